package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"wlbridge/internal/envelope"
)

var ErrUnsupportedDescriptor = errors.New("transfer: descriptor type cannot be shipped")

// materialize creates a native descriptor holding data. Buffers become a
// memfd sized to the payload; signals become the read end of a pipe that
// yields the payload and then EOF.
func materialize(kind envelope.ResourceKind, data []byte) (int, error) {
	if kind == envelope.ResourceSignal {
		return materializePipe(data)
	}
	fd, err := unix.MemfdCreate("wlbridge-resource", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("transfer: memfd_create: %w", err)
	}
	if len(data) == 0 {
		return fd, nil
	}
	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transfer: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transfer: mmap: %w", err)
	}
	copy(mem, data)
	if err := unix.Munmap(mem); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transfer: munmap: %w", err)
	}
	return fd, nil
}

func materializePipe(data []byte) (int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, fmt.Errorf("transfer: pipe2: %w", err)
	}
	// The writer finishes once the reader drains the pipe; payloads larger
	// than the pipe buffer would otherwise block materialization.
	go func(w int) {
		defer unix.Close(w)
		for off := 0; off < len(data); {
			n, err := unix.Write(w, data[off:])
			if err == unix.EINTR {
				continue
			}
			if err != nil || n <= 0 {
				return
			}
			off += n
		}
	}(p[1])
	return p[0], nil
}

// readPayload reads everything behind fd without consuming the caller's
// ownership of it. Regular files and memfds are read by position so the
// file offset is untouched; pipes and sockets are drained to EOF until ctx
// ends.
func readPayload(ctx context.Context, fd int, limit int64) (envelope.ResourceKind, []byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, nil, fmt.Errorf("transfer: fstat: %w", err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		if limit > 0 && st.Size > limit {
			return 0, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, st.Size)
		}
		buf := make([]byte, st.Size)
		off := 0
		for off < len(buf) {
			n, err := unix.Pread(fd, buf[off:], int64(off))
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return 0, nil, fmt.Errorf("transfer: pread: %w", err)
			}
			if n == 0 {
				break
			}
			off += n
		}
		return envelope.ResourceBuffer, buf[:off], nil
	case unix.S_IFIFO, unix.S_IFSOCK:
		out, err := readStream(ctx, fd, limit)
		if err != nil {
			return 0, nil, err
		}
		return envelope.ResourceSignal, out, nil
	}
	return 0, nil, fmt.Errorf("%w: mode %#o", ErrUnsupportedDescriptor, st.Mode&unix.S_IFMT)
}

// readStream drains a pipe or socket to EOF. Every read waits in poll
// alongside an eventfd that fires when ctx ends, so a peer that never
// closes its end cannot pin the caller.
func readStream(ctx context.Context, fd int, limit int64) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceTransferAborted, context.Cause(ctx))
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("transfer: eventfd: %w", err)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(efd, one[:])
	})
	defer func() {
		if !stop() {
			<-fired
		}
		unix.Close(efd)
	}()

	pfds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(efd), Events: unix.POLLIN},
	}
	var out []byte
	chunk := make([]byte, 64*1024)
	for {
		if _, err := unix.Poll(pfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("transfer: poll: %w", err)
		}
		if pfds[1].Revents != 0 {
			return nil, fmt.Errorf("%w: %v", ErrResourceTransferAborted, context.Cause(ctx))
		}
		if pfds[0].Revents&unix.POLLNVAL != 0 {
			return nil, fmt.Errorf("transfer: read: %w", unix.EBADF)
		}
		if pfds[0].Revents == 0 {
			continue
		}
		n, err := unix.Read(fd, chunk)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transfer: read: %w", err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, chunk[:n]...)
		if limit > 0 && int64(len(out)) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
		}
	}
}

func closeFD(fd int) { _ = unix.Close(fd) }
