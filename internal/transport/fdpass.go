package transport

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
)

// fdSentinel is the one ordinary byte that accompanies a passed descriptor.
// A control message without it is rejected.
const fdSentinel = 'F'

// ioRetries bounds EINTR retries on socket calls.
const ioRetries = 8

// ErrBadControl reports a descriptor message whose sentinel, count, level
// or type does not match what was expected. It is connection-fatal.
var ErrBadControl = errors.New("bad descriptor control message")

// SendFD passes fd across sock as SCM_RIGHTS ancillary data. The receiver
// must have drained every ordinary message first; stream data and control
// messages do not interleave safely.
func SendFD(sock, fd int) error {
	rights := unix.UnixRights(fd)
	payload := []byte{fdSentinel}
	for range ioRetries {
		err := unix.Sendmsg(sock, payload, rights, nil, 0)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return protocol.ErrWouldBlock
		case err != nil:
			return fmt.Errorf("sendmsg: %w", err)
		}
		return nil
	}
	return protocol.ErrWouldBlock
}

// RecvFD receives exactly one descriptor sent by SendFD. Any descriptors
// that arrive with a malformed message are closed.
func RecvFD(sock int) (int, error) {
	var buf [1]byte
	oob := make([]byte, unix.CmsgSpace(4))

	var n, oobn, flags int
	var err error
	for range ioRetries {
		n, oobn, flags, _, err = unix.Recvmsg(sock, buf[:], oob, unix.MSG_CMSG_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return -1, protocol.ErrWouldBlock
	case err != nil:
		return -1, fmt.Errorf("recvmsg: %w", err)
	}

	if n == 0 && oobn == 0 {
		return -1, io.EOF
	}

	fds, perr := parseRights(oob[:oobn])
	if perr == nil && flags&unix.MSG_CTRUNC != 0 {
		perr = fmt.Errorf("%w: control data truncated", ErrBadControl)
	}
	if perr == nil && (n != 1 || buf[0] != fdSentinel) {
		perr = fmt.Errorf("%w: missing sentinel", ErrBadControl)
	}
	if perr == nil && len(fds) != 1 {
		perr = fmt.Errorf("%w: got %d descriptors", ErrBadControl, len(fds))
	}
	if perr != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, perr
	}
	return fds[0], nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, fmt.Errorf("%w: no control message", ErrBadControl)
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadControl, err)
	}

	var fds []int
	var bad error
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			bad = fmt.Errorf("%w: level %d type %d", ErrBadControl, m.Header.Level, m.Header.Type)
			continue
		}
		got, err := unix.ParseUnixRights(m)
		if err != nil {
			bad = fmt.Errorf("%w: %v", ErrBadControl, err)
			continue
		}
		fds = append(fds, got...)
	}
	if len(msgs) != 1 && bad == nil {
		bad = fmt.Errorf("%w: %d control messages", ErrBadControl, len(msgs))
	}
	return fds, bad
}
