package input

import "github.com/chronologos/spr16/internal/protocol"

// MagnitudeMax is the top of the contact magnitude range.
const MagnitudeMax = 255

type contact struct {
	id       int32 // -1 iff the slot is unoccupied
	x, y     int32
	pressure int32
	major    int32
	dirty    bool
	released bool
}

// Touch tracks multi-touch contacts by slot. Sub-events for the active
// slot are buffered; Frame emits one surface report per changed slot.
// Single-touch devices are tracked in slot 0.
type Touch struct {
	slots [protocol.MaxContacts]contact
	cur   int

	x, y, pressure, major Axis
	hasPressure, hasMajor bool

	multi  bool
	typeA  bool
	nextID int32
}

// NewTouch creates a contact tracker calibrated from the device's axes.
func NewTouch(c *Caps) *Touch {
	t := &Touch{}
	for i := range t.slots {
		t.slots[i].id = -1
	}

	axis := func(code int) Axis {
		info := c.AbsInfo[code]
		return Axis{Min: info.Min, Max: info.Max}
	}
	switch {
	case c.Abs.has(absMTPositionX) && c.Abs.has(absMTSlot):
		t.multi = true
		t.x, t.y = axis(absMTPositionX), axis(absMTPositionY)
		t.hasPressure = c.Abs.has(absMTPressure)
		t.pressure = axis(absMTPressure)
		t.hasMajor = c.Abs.has(absMTTouchMajor)
		t.major = axis(absMTTouchMajor)
		t.cur = int(c.AbsInfo[absMTSlot].Value)
	case c.Abs.has(absMTPositionX):
		// MT axes without slots: the anonymous-contact protocol.
		t.multi = true
		t.typeA = true
	default:
		t.x, t.y = axis(absX), axis(absY)
		t.hasPressure = c.Abs.has(absPressure)
		t.pressure = axis(absPressure)
	}
	return t
}

// TypeA reports whether the device uses the unsupported anonymous-contact
// protocol.
func (t *Touch) TypeA() bool { return t.typeA }

// MarkTypeA records that a SYN_MT_REPORT was seen.
func (t *Touch) MarkTypeA() { t.typeA = true }

// Multi reports whether contacts arrive as slotted multi-touch events.
func (t *Touch) Multi() bool { return t.multi }

func (t *Touch) slot() *contact {
	if t.cur < 0 || t.cur >= len(t.slots) {
		return nil
	}
	return &t.slots[t.cur]
}

// Abs buffers one absolute sub-event. It reports whether the event was
// consumed.
func (t *Touch) Abs(code uint16, value int32) bool {
	if t.typeA {
		return true
	}
	if t.multi {
		return t.absMulti(code, value)
	}
	s := &t.slots[0]
	switch code {
	case absX:
		s.x = value
	case absY:
		s.y = value
	case absPressure:
		s.pressure = value
	default:
		return false
	}
	if s.id >= 0 {
		s.dirty = true
	}
	return true
}

func (t *Touch) absMulti(code uint16, value int32) bool {
	if code == absMTSlot {
		t.cur = int(value)
		return true
	}
	s := t.slot()
	switch code {
	case absMTTrackingID:
		if s == nil {
			return true
		}
		if value < 0 {
			if s.id >= 0 {
				s.released = true
				s.dirty = true
			}
			return true
		}
		s.id = value
		s.released = false
		s.dirty = true
	case absMTPositionX:
		if s != nil {
			s.x = value
			s.dirty = true
		}
	case absMTPositionY:
		if s != nil {
			s.y = value
			s.dirty = true
		}
	case absMTPressure:
		if s != nil {
			s.pressure = value
			s.dirty = true
		}
	case absMTTouchMajor:
		if s != nil {
			s.major = value
			s.dirty = true
		}
	case absX, absY, absPressure:
		// Legacy single-touch emulation of the primary contact.
	default:
		return false
	}
	return true
}

// Contact reports a single-touch contact transition.
func (t *Touch) Contact(down bool) {
	if t.multi {
		return
	}
	s := &t.slots[0]
	switch {
	case down && s.id < 0:
		s.id = t.nextID
		t.nextID = (t.nextID + 1) & 0x7fff
		s.released = false
		s.dirty = true
	case !down && s.id >= 0:
		s.released = true
		s.dirty = true
	}
}

func (t *Touch) magnitude(s *contact) int32 {
	switch {
	case s.released:
		return 0
	case t.hasPressure:
		return t.pressure.Scale(s.pressure, MagnitudeMax)
	case t.hasMajor:
		return t.major.Scale(s.major, MagnitudeMax)
	default:
		return MagnitudeMax
	}
}

// Frame emits one report per changed slot and clears released slots.
func (t *Touch) Frame(emit func(protocol.InputSurface)) {
	if t.typeA {
		return
	}
	for i := range t.slots {
		s := &t.slots[i]
		if !s.dirty || (s.id < 0 && !s.released) {
			s.dirty = false
			continue
		}
		id := s.id
		if s.released {
			id = -1
		}
		emit(protocol.InputSurface{
			Input: protocol.Input{
				Val:  t.magnitude(s),
				Ext:  id,
				Code: uint16(i),
				Type: protocol.InputAbsolute,
			},
			Xpos: t.x.Normalize(s.x),
			Ypos: t.y.Normalize(s.y),
			Xmax: t.x.Range(),
			Ymax: t.y.Range(),
		})
		s.dirty = false
		if s.released {
			*s = contact{id: -1}
		}
	}
}

// Primary returns the lowest occupied slot.
func (t *Touch) Primary() (slot int, id, x, y int32, ok bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.id >= 0 && !s.released {
			return i, s.id, s.x, s.y, true
		}
	}
	return -1, -1, 0, 0, false
}

// Occupied returns the number of live contacts.
func (t *Touch) Occupied() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].id >= 0 && !t.slots[i].released {
			n++
		}
	}
	return n
}

// Reset releases every contact without reporting it.
func (t *Touch) Reset() {
	for i := range t.slots {
		t.slots[i] = contact{id: -1}
	}
}

// ClearDirty drops pending changes without emitting them.
func (t *Touch) ClearDirty() {
	for i := range t.slots {
		s := &t.slots[i]
		s.dirty = false
		if s.released {
			*s = contact{id: -1}
		}
	}
}
