package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/damage"
	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/shm"
	"github.com/chronologos/spr16/internal/transport"
)

// State is the handshake progress of a connection.
type State int

const (
	// Pending connections have been sent SERVINFO and may only register.
	Pending State = iota
	// Handshaking connections have a sprite and are exchanging its
	// descriptor.
	Handshaking
	// Established connections sync and receive input.
	Established
	// Closed connections are waiting to be reaped at the end of the loop
	// iteration.
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// errNack marks a registration rejected with a specific NACK. The reason
// has already been sent.
var errNack = errors.New("registration rejected")

// client is the server-side record of one connection.
type client struct {
	id    uint64
	fd    int
	state State

	name   string
	width  int
	height int
	bpp    int
	direct bool
	// sprite is the copy-through buffer; nil for direct-shm clients.
	sprite *shm.Buffer
	// recvFdWait is set from sending ACK(RECV_FD) until the descriptor
	// has been transferred.
	recvFdWait bool
	fdSent     bool

	damage   damage.Tracker
	batch    *protocol.Batch
	deadline time.Time
	log      *logrus.Entry
}

func (c *client) String() string { return fmt.Sprintf("client %d", c.id) }

// surface describes the sprite for blitting.
func (c *client) surface() damage.Surface {
	if c.sprite == nil {
		return damage.Surface{}
	}
	return damage.Surface{
		Mem:    c.sprite.Bytes(),
		Width:  c.sprite.Width(),
		Height: c.sprite.Height(),
		Stride: c.sprite.Stride(),
		Bpp:    c.sprite.Bpp(),
	}
}

func (c *client) send(msg any) error {
	return protocol.WriteMessage(c.fd, msg)
}

func (c *client) ack(info protocol.AckInfo) error {
	return c.send(&protocol.Ack{Info: info, Ack: true})
}

func (c *client) nack(info protocol.AckInfo) error {
	return c.send(&protocol.Ack{Info: info, Ack: false})
}

// release frees the sprite memory and closes the socket.
func (c *client) release() {
	if c.sprite != nil {
		if err := c.sprite.Close(); err != nil {
			c.log.WithError(err).Warn("failed to release sprite")
		}
		c.sprite = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
}

// handle applies one message from the client. Any error tears the
// connection down.
func (s *Server) handle(c *client, h protocol.Header, msg any) error {
	if c.state == Closed {
		return nil
	}
	switch c.state {
	case Pending:
		reg, ok := msg.(*protocol.RegisterSprite)
		if !ok {
			return fmt.Errorf("%w: %s before register", protocol.ErrProtocol, h.Type)
		}
		return s.register(c, reg)

	case Handshaking:
		a, ok := msg.(*protocol.Ack)
		if !ok {
			return fmt.Errorf("%w: %s during handshake", protocol.ErrProtocol, h.Type)
		}
		return s.handshake(c, a)

	case Established:
		switch m := msg.(type) {
		case *protocol.Sync:
			return s.sync(c, m)
		case *protocol.Ack:
			if !m.Ack && m.Info == protocol.NackDisconnect {
				return errClientLeft
			}
			return fmt.Errorf("%w: unexpected ack %s", protocol.ErrProtocol, m.Info)
		default:
			return fmt.Errorf("%w: unexpected %s", protocol.ErrProtocol, h.Type)
		}
	}
	return nil
}

// errClientLeft is an orderly disconnect requested by the client.
var errClientLeft = errors.New("client disconnected")

// register validates a sprite request and allocates its memory. A
// rejected registration is answered with the matching NACK and then ends
// the connection.
func (s *Server) register(c *client, reg *protocol.RegisterSprite) error {
	info := s.info
	var reason protocol.AckInfo
	switch {
	case reg.Width == 0 || int(reg.Width) > info.Width:
		reason = protocol.NackWidth
	case reg.Height == 0 || int(reg.Height) > info.Height:
		reason = protocol.NackHeight
	case reg.Bpp < 8 || int(reg.Bpp) > info.Bpp || reg.Bpp != protocol.BPP:
		reason = protocol.NackBpp
	}
	log := c.log.WithFields(logrus.Fields{
		"name":   reg.Name,
		"width":  reg.Width,
		"height": reg.Height,
		"bpp":    reg.Bpp,
		"flags":  reg.Flags,
	})
	if reason != 0 {
		log.WithField("reason", reason).Warn("sprite rejected")
		c.nack(reason)
		return errNack
	}

	c.name = reg.Name
	c.width, c.height, c.bpp = int(reg.Width), int(reg.Height), int(reg.Bpp)

	if reg.Flags&protocol.SpriteDirectShm != 0 {
		if c.width != info.Width || c.height != info.Height || s.direct != nil {
			log.Warn("direct shm requires an unclaimed full-screen sprite")
			c.nack(protocol.NackShmem)
			return errNack
		}
		c.direct = true
		s.direct = c
	} else {
		buf, err := shm.Create("spr16-"+reg.Name, c.width, c.height, c.bpp)
		if err != nil {
			log.WithError(err).Error("failed to allocate sprite")
			c.nack(protocol.NackShmem)
			return errNack
		}
		c.sprite = buf
	}

	if err := c.ack(protocol.AckRecvFD); err != nil {
		return fmt.Errorf("send recv_fd: %w", err)
	}
	c.state = Handshaking
	c.recvFdWait = true
	log.WithField("direct", c.direct).Info("sprite registered")
	return nil
}

// handshake runs the descriptor exchange. The client drains its socket
// and sends ACK(SEND_FD); only then is the descriptor transferred. The
// client maps it and confirms with ACK(ESTABLISHED).
func (s *Server) handshake(c *client, a *protocol.Ack) error {
	if !a.Ack {
		return fmt.Errorf("%w: client nack %s during handshake", protocol.ErrProtocol, a.Info)
	}
	switch {
	case a.Info == protocol.AckSendFD && c.recvFdWait:
		if err := s.transferFd(c); err != nil {
			c.nack(protocol.NackFD)
			return err
		}
		c.recvFdWait = false
		c.fdSent = true
		return nil

	case a.Info == protocol.AckEstablished && c.fdSent:
		c.state = Established
		c.deadline = time.Time{}
		s.attach(c)
		return nil
	}
	return fmt.Errorf("%w: ack %s out of order", protocol.ErrProtocol, a.Info)
}

func (s *Server) transferFd(c *client) error {
	if !c.direct {
		if err := transport.SendFD(c.fd, c.sprite.Fd()); err != nil {
			return fmt.Errorf("send sprite fd: %w", err)
		}
		return nil
	}
	fd, err := s.display.ExportFd()
	if err != nil {
		return fmt.Errorf("export display: %w", err)
	}
	defer unix.Close(fd)
	if err := transport.SendFD(c.fd, fd); err != nil {
		return fmt.Errorf("send display fd: %w", err)
	}
	return nil
}

// sync validates a damage report and schedules its service.
func (s *Server) sync(c *client, m *protocol.Sync) error {
	r := damage.Rect{Xmin: int(m.Xmin), Ymin: int(m.Ymin), Xmax: int(m.Xmax), Ymax: int(m.Ymax)}
	if r.Xmax < r.Xmin || r.Ymax < r.Ymin ||
		r.Xmax > c.width || r.Ymax > c.height ||
		r.Xmax > s.info.Width || r.Ymax > s.info.Height {
		return fmt.Errorf("%w: sync %+v outside %dx%d sprite", protocol.ErrProtocol, r, c.width, c.height)
	}
	flags := m.Flags
	if flags == 0 {
		flags = protocol.SyncAsync
	}
	c.damage.Accumulate(r)
	c.damage.FlagSync(flags)

	if flags&(protocol.SyncVblank|protocol.SyncPageFlip) != 0 {
		if s.vsync.Len() == 0 {
			// Ticks that elapsed while nobody waited are stale; service
			// happens on the next vblank.
			s.display.AckVblank()
		}
		if err := s.vsync.Enqueue(c); err != nil {
			return fmt.Errorf("queue vblank sync: %w", err)
		}
		return nil
	}
	s.service(c)
	return nil
}
