package input

import (
	"time"

	"github.com/chronologos/spr16/internal/protocol"
)

const (
	// DefaultTapDelay is the longest gap between a contact-up and the next
	// contact-down that still counts as a tap.
	DefaultTapDelay = 200 * time.Millisecond
	// DefaultStability is how long a contact must be free of large motion
	// before its release arms a tap.
	DefaultStability = 150 * time.Millisecond
)

// Trackpad reinterprets an absolute touch surface as a relative pointer.
//
// The primary contact's motion is reported as relative deltas. A tap is a
// contact-up followed by a contact-down within TapDelay, where the released
// contact had no large motion during the Stability window before release.
// A tap produces a synthetic left button press and release.
type Trackpad struct {
	Accel     Accel
	TapDelay  time.Duration
	Stability time.Duration
	// MoveThreshold is the per-frame motion, in device units, that counts
	// as large.
	MoveThreshold int32

	tracking  bool
	id        int32
	lastX     int32
	lastY     int32
	lastLarge time.Time

	armed bool
	upAt  time.Time
}

// NewTrackpad creates a trackpad whose large-motion threshold is one
// percent of the surface width.
func NewTrackpad(t *Touch, accel Accel, tapDelay time.Duration) *Trackpad {
	if tapDelay <= 0 {
		tapDelay = DefaultTapDelay
	}
	return &Trackpad{
		Accel:         accel,
		TapDelay:      tapDelay,
		Stability:     DefaultStability,
		MoveThreshold: max(t.x.Range()/100, 1),
	}
}

// Frame consumes the tracker's pending changes at time now and emits
// pointer motion and synthetic clicks.
func (p *Trackpad) Frame(t *Touch, now time.Time, emit func(protocol.Input)) {
	_, id, x, y, ok := t.Primary()
	t.ClearDirty()

	switch {
	case ok && !p.tracking:
		p.contactDown(now, emit)
		p.tracking = true
		p.id, p.lastX, p.lastY = id, x, y
		p.lastLarge = time.Time{}

	case ok && id != p.id:
		// A different finger became primary; restart motion from it.
		p.id, p.lastX, p.lastY = id, x, y

	case ok:
		dx, dy := x-p.lastX, y-p.lastY
		p.lastX, p.lastY = x, y
		if abs32(dx)+abs32(dy) > p.MoveThreshold {
			p.lastLarge = now
		}
		if dx != 0 {
			emit(protocol.Input{Type: protocol.InputRelative, Code: protocol.AxisX, Val: p.Accel.Apply(dx)})
		}
		if dy != 0 {
			emit(protocol.Input{Type: protocol.InputRelative, Code: protocol.AxisY, Val: p.Accel.Apply(dy)})
		}

	case p.tracking:
		p.tracking = false
		p.upAt = now
		p.armed = p.lastLarge.IsZero() || now.Sub(p.lastLarge) > p.Stability
	}
}

func (p *Trackpad) contactDown(now time.Time, emit func(protocol.Input)) {
	if !p.armed {
		return
	}
	p.armed = false
	if now.Sub(p.upAt) > p.TapDelay {
		return
	}
	click := protocol.Input{Type: protocol.InputKey, Code: uint16(protocol.BtnLeft)}
	click.Val = protocol.KeyDown
	emit(click)
	click.Val = protocol.KeyUp
	emit(click)
}

// Reset forgets the tracked contact and any armed tap.
func (p *Trackpad) Reset() {
	p.tracking = false
	p.armed = false
	p.lastLarge = time.Time{}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
