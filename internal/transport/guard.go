package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

const guardTimeout = 5 * time.Second

var (
	ErrGuardMismatch    = errors.New("transport: guard token mismatch")
	ErrGuardRateLimited = errors.New("transport: guard validation rate limited")
)

var guardLockout = NewLockout(6, 2*time.Minute)

// SendGuard sends the pre-shared token as the first frame: one length
// byte followed by the token. No-op when guard is empty.
func SendGuard(ctx context.Context, ep Endpoint, guard string) error {
	if guard == "" {
		return nil
	}
	if len(guard) > 255 {
		return fmt.Errorf("transport: guard token too long")
	}
	frame := make([]byte, 0, 1+len(guard))
	frame = append(frame, byte(len(guard)))
	frame = append(frame, guard...)
	return ep.Send(ctx, frame)
}

// RecvGuard reads and validates the guard frame within a short timeout.
// Peers that fail repeatedly are refused for a while.
func RecvGuard(ctx context.Context, ep Endpoint, guard string) error {
	return recvGuard(ctx, ep, guard, guardLockout)
}

func recvGuard(ctx context.Context, ep Endpoint, guard string, lockout *Lockout) error {
	if guard == "" {
		return nil
	}
	remote := ep.RemoteAddr()
	if lockout.Blocked(remote) {
		return ErrGuardRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, guardTimeout)
	defer cancel()
	frame, err := ep.Recv(ctx)
	if err != nil {
		return err
	}
	if len(frame) == 0 || int(frame[0]) != len(frame)-1 {
		lockout.Fail(remote)
		return fmt.Errorf("%w: bad guard frame", ErrGuardMismatch)
	}
	got := frame[1:]
	if len(got) != len(guard) || subtle.ConstantTimeCompare(got, []byte(guard)) != 1 {
		lockout.Fail(remote)
		return ErrGuardMismatch
	}
	lockout.Forget(remote)
	return nil
}
