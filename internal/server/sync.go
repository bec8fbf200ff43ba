package server

import (
	"github.com/chronologos/spr16/internal/damage"
	"github.com/chronologos/spr16/internal/protocol"
)

// presenting reports whether c's pixels belong on the display right now:
// the display is owned by this server and c is the focused client of the
// main screen.
func (s *Server) presenting(c *client) bool {
	return s.visible && s.screens.IsFocused(c)
}

// service copies c's accumulated damage to the display. Damage of a client
// that is not presenting is dropped; it is redrawn in full by resync when
// it becomes visible. Direct-shm clients render into display memory and
// are never copied.
func (s *Server) service(c *client) {
	rects, _ := c.damage.Take()
	if c.direct || !s.presenting(c) {
		return
	}
	dst := s.display.Surface()
	src := c.surface()
	for _, r := range rects {
		if err := damage.Blit(dst, src, r); err != nil {
			c.log.WithError(err).WithField("rect", r).Error("damage copy failed")
			return
		}
	}
}

// vblank services every client that asked for vblank-aligned sync, then
// acknowledges with ACK(SYNC_VSYNC) so the client may submit its next
// frame.
func (s *Server) vblank() {
	ticks, err := s.display.AckVblank()
	if err != nil {
		s.log.WithError(err).Warn("vblank read failed")
		return
	}
	if ticks == 0 {
		return
	}
	for _, c := range s.vsync.Drain() {
		if c.state != Established {
			continue
		}
		s.service(c)
		s.deliver(c, &protocol.Ack{Info: protocol.AckSyncVsync, Ack: true})
	}
}

// resync redraws the focused client of the main screen in full and tells
// it to redraw, after a screen switch, a disconnect that moved focus, or
// a return from another virtual terminal.
func (s *Server) resync() {
	if !s.visible {
		return
	}
	surf := s.display.Surface()
	c, ok := s.screens.Focused()
	if !ok {
		clear(surf.Mem)
		return
	}
	if !c.direct {
		clear(surf.Mem)
		full := damage.Rect{Xmax: c.width, Ymax: c.height}
		if err := damage.Blit(surf, c.surface(), full); err != nil {
			c.log.WithError(err).Error("resync copy failed")
		}
	}
	s.log.WithField("client", c.id).Debug("screen resync")
	s.deliver(c, &protocol.Input{Type: protocol.InputCtrl, Code: protocol.CtrlResync})
}
