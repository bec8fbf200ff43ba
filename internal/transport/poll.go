package transport

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
)

// ErrTimeout is returned when a bounded wait expires.
var ErrTimeout = errors.New("timed out waiting for socket")

// WaitReadable blocks until fd is readable or the timeout expires. A
// negative timeout waits forever. Hangup counts as readable so the caller
// observes EOF on the next read.
func WaitReadable(fd int, timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	deadline := time.Now().Add(timeout)
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			if timeout >= 0 {
				ms = max(int(time.Until(deadline)/time.Millisecond), 0)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// Drain reads and dispatches every message already queued on fd until the
// socket reports it would block. It is the precondition for requesting a
// descriptor with RecvFD.
func Drain(fd int, b *protocol.Batch, fn func(protocol.Header, any) error) error {
	for {
		_, err := b.Read(fd)
		if errors.Is(err, protocol.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := protocol.Dispatch(b.Bytes(), fn); err != nil {
			return err
		}
	}
}
