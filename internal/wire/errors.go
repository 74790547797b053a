package wire

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage  = errors.New("wire: malformed message")
	ErrUnknownObject     = errors.New("wire: unknown object")
	ErrUnknownOpcode     = errors.New("wire: unknown opcode")
	ErrUnknownInterface  = errors.New("wire: unknown interface")
	ErrSignatureMismatch = errors.New("wire: arguments do not match signature")
	ErrNullArgument      = errors.New("wire: null value for non-nullable argument")
	ErrMessageTooLarge   = errors.New("wire: message exceeds maximum size")
)

// DecodeError reports which message failed and why. It matches its
// sentinel under errors.Is.
type DecodeError struct {
	Sender ObjectID
	Opcode uint16
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (object %d opcode %d)", e.Err, e.Sender, e.Opcode)
	}
	return fmt.Sprintf("%v (object %d opcode %d): %s", e.Err, e.Sender, e.Opcode, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(h Header, err error, format string, args ...any) error {
	return &DecodeError{Sender: h.Sender, Opcode: h.Opcode, Err: err, Detail: fmt.Sprintf(format, args...)}
}
