// Package client is the application side of the display protocol: connect,
// register a sprite, receive its shared memory, report damage and read
// input.
package client

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/shm"
	"github.com/chronologos/spr16/internal/transport"
)

// DefaultTimeout bounds each handshake wait.
const DefaultTimeout = 2 * time.Second

var (
	// ErrDisconnected is returned once the server has closed the
	// connection or sent NACK(DISCONNECT).
	ErrDisconnected = errors.New("server disconnected")
	// ErrUnexpected reports a message the handshake did not expect.
	ErrUnexpected = errors.New("unexpected message")
)

// RejectedError is a registration the server refused.
type RejectedError struct {
	Reason protocol.AckInfo
}

func (e *RejectedError) Error() string {
	return "registration rejected: " + e.Reason.String()
}

// Conn is a connection to a display server. It is not safe for concurrent
// use.
type Conn struct {
	fd      int
	info    protocol.ServInfo
	sprite  *shm.Buffer
	batch   *protocol.Batch
	queue   []any
	timeout time.Duration
}

// Dial connects to the server socket at path and waits up to timeout for
// the unsolicited SERVINFO.
func Dial(path string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fd, err := transport.Dial(path)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		fd:      fd,
		batch:   protocol.NewBatch(protocol.DefaultBatchSize),
		timeout: timeout,
	}
	msg, err := c.NextMessage(timeout)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wait for servinfo: %w", err)
	}
	info, ok := msg.(*protocol.ServInfo)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %T before servinfo", ErrUnexpected, msg)
	}
	c.info = *info
	return c, nil
}

// ServInfo returns the display geometry announced by the server.
func (c *Conn) ServInfo() protocol.ServInfo { return c.info }

// Fd returns the socket, for callers that multiplex it with other
// descriptors.
func (c *Conn) Fd() int { return c.fd }

// Sprite returns the registered sprite, or nil.
func (c *Conn) Sprite() *shm.Buffer { return c.sprite }

// Register requests a width x height 32bpp sprite and completes the
// descriptor exchange. The socket is drained before the descriptor is
// requested so the control message cannot interleave with stream data.
func (c *Conn) Register(name string, width, height int, flags protocol.SpriteFlags) (*shm.Buffer, error) {
	if c.sprite != nil {
		return nil, errors.New("sprite already registered")
	}
	err := c.write(&protocol.RegisterSprite{
		Name:   name,
		Flags:  flags,
		Width:  uint16(width),
		Height: uint16(height),
		Bpp:    protocol.BPP,
	})
	if err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	if err := c.expectAck(protocol.AckRecvFD); err != nil {
		return nil, err
	}
	if err := transport.Drain(c.fd, c.batch, c.enqueue); err != nil {
		return nil, fmt.Errorf("drain before descriptor: %w", err)
	}
	if err := c.write(&protocol.Ack{Info: protocol.AckSendFD, Ack: true}); err != nil {
		return nil, fmt.Errorf("send send_fd: %w", err)
	}

	if err := transport.WaitReadable(c.fd, c.timeout); err != nil {
		return nil, fmt.Errorf("wait for descriptor: %w", err)
	}
	fd, err := transport.RecvFD(c.fd)
	if err != nil {
		return nil, fmt.Errorf("receive descriptor: %w", err)
	}
	buf, err := shm.Map(fd, width, height, protocol.BPP)
	if err != nil {
		return nil, fmt.Errorf("map sprite: %w", err)
	}

	if err := c.write(&protocol.Ack{Info: protocol.AckEstablished, Ack: true}); err != nil {
		buf.Close()
		return nil, fmt.Errorf("send established: %w", err)
	}
	c.sprite = buf
	return buf, nil
}

// expectAck waits for a positive ack of stage info.
func (c *Conn) expectAck(info protocol.AckInfo) error {
	msg, err := c.NextMessage(c.timeout)
	if err != nil {
		return err
	}
	a, ok := msg.(*protocol.Ack)
	switch {
	case !ok:
		return fmt.Errorf("%w: %T while waiting for %s", ErrUnexpected, msg, info)
	case !a.Ack:
		return &RejectedError{Reason: a.Info}
	case a.Info != info:
		return fmt.Errorf("%w: ack %s while waiting for %s", ErrUnexpected, a.Info, info)
	}
	return nil
}

// Sync reports [xmin,xmax) x [ymin,ymax) of the sprite as damaged.
func (c *Conn) Sync(flags protocol.SyncFlags, xmin, ymin, xmax, ymax int) error {
	return c.write(&protocol.Sync{
		Flags: flags,
		Xmin:  uint16(xmin),
		Ymin:  uint16(ymin),
		Xmax:  uint16(xmax),
		Ymax:  uint16(ymax),
	})
}

// WaitVsync waits for the ACK(SYNC_VSYNC) that follows a vblank sync.
// Input arriving in the meantime stays queued for NextMessage.
func (c *Conn) WaitVsync(timeout time.Duration) error {
	for i, m := range c.queue {
		if isVsync(m) {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return nil
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.ErrTimeout
		}
		n := len(c.queue)
		if err := c.fill(remaining); err != nil {
			return err
		}
		for i := n; i < len(c.queue); i++ {
			if isVsync(c.queue[i]) {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				return nil
			}
		}
	}
}

func isVsync(m any) bool {
	a, ok := m.(*protocol.Ack)
	return ok && a.Ack && a.Info == protocol.AckSyncVsync
}

// NextMessage returns the next message from the server, waiting up to
// timeout. A negative timeout waits forever.
func (c *Conn) NextMessage(timeout time.Duration) (any, error) {
	if len(c.queue) == 0 {
		if err := c.fill(timeout); err != nil {
			return nil, err
		}
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	if a, ok := msg.(*protocol.Ack); ok && !a.Ack && a.Info == protocol.NackDisconnect {
		return nil, ErrDisconnected
	}
	return msg, nil
}

// fill reads at least one message into the queue.
func (c *Conn) fill(timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Millisecond
	}
	for {
		if err := transport.WaitReadable(c.fd, timeout); err != nil {
			return err
		}
		_, err := c.batch.Read(c.fd)
		switch {
		case errors.Is(err, protocol.ErrWouldBlock):
			continue
		case err == io.EOF:
			return ErrDisconnected
		case err != nil:
			return err
		}
		if err := protocol.Dispatch(c.batch.Bytes(), c.enqueue); err != nil {
			return err
		}
		if len(c.queue) > 0 {
			return nil
		}
	}
}

func (c *Conn) enqueue(_ protocol.Header, msg any) error {
	c.queue = append(c.queue, msg)
	return nil
}

// write sends one message, waiting for socket space if the server is
// slow to read.
func (c *Conn) write(msg any) error {
	for {
		err := protocol.WriteMessage(c.fd, msg)
		if !errors.Is(err, protocol.ErrWouldBlock) {
			return err
		}
		pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		n, perr := unix.Poll(pfd, int(c.timeout/time.Millisecond))
		if perr != nil && perr != unix.EINTR {
			return fmt.Errorf("poll: %w", perr)
		}
		if perr == nil && n == 0 {
			return transport.ErrTimeout
		}
	}
}

// Close tells the server the client is leaving, then releases the sprite
// and the socket. Calling Close again is a no-op.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	protocol.WriteMessage(c.fd, &protocol.Ack{Info: protocol.NackDisconnect, Ack: false})
	if c.sprite != nil {
		c.sprite.Close()
		c.sprite = nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
