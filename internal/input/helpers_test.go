package input

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spr16/internal/protocol"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// recorder is an Emitter that keeps everything it receives.
type recorder struct {
	inputs   []protocol.Input
	surfaces []protocol.InputSurface
}

func (r *recorder) Input(in protocol.Input)         { r.inputs = append(r.inputs, in) }
func (r *recorder) Surface(s protocol.InputSurface) { r.surfaces = append(r.surfaces, s) }

// nonCtrl drops the CTRL SYN markers.
func (r *recorder) nonCtrl() []protocol.Input {
	var out []protocol.Input
	for _, in := range r.inputs {
		if in.Type != protocol.InputCtrl {
			out = append(out, in)
		}
	}
	return out
}

func touchscreenCaps() *Caps {
	return NewCaps("test touchscreen").
		SetKeys(btnTouch).
		SetAbs(absX, 0, 4095).
		SetAbs(absY, 0, 4095).
		SetAbs(absMTSlot, 0, 9).
		SetAbs(absMTTrackingID, 0, 65535).
		SetAbs(absMTPositionX, 0, 4095).
		SetAbs(absMTPositionY, 0, 4095)
}

func keyboardCaps() *Caps {
	c := NewCaps("test keyboard")
	for code := 1; code < 128; code++ {
		c.SetKeys(code)
	}
	c.Led.set(0)
	return c
}

func mouseCaps() *Caps {
	return NewCaps("test mouse").
		SetKeys(btnLeft, btnRight, btnMiddle).
		SetRel(relX, relY, relWheel)
}

func ev(typ, code uint16, value int32) Event {
	return Event{Type: typ, Code: code, Value: value}
}

func at(t time.Time, e Event) Event {
	e.Time = t
	return e
}

func syn() Event { return ev(evSyn, synReport, 0) }
