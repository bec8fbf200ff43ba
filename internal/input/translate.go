package input

import "github.com/chronologos/spr16/internal/protocol"

// Translator turns raw EV_KEY events into protocol key events.
//
// A logical code is only released or repeated after an accepted press, so
// drivers that deliver an up without a down (or a repeat after the up)
// never reach a client. The logical code of a press is remembered per raw
// code: releasing a letter after shift changed still releases the letter
// that was pressed.
type Translator struct {
	buttons   map[uint16]protocol.Keycode
	down      [protocol.KeycodeMax]bool
	pressedAs map[uint16]uint16
	capsLock  bool
}

// NewTranslator creates a translator with the given button role table.
func NewTranslator(buttons map[uint16]protocol.Keycode) *Translator {
	if buttons == nil {
		buttons = standardButtons
	}
	return &Translator{
		buttons:   buttons,
		pressedAs: make(map[uint16]uint16),
	}
}

// Key translates one raw key transition. It returns false when the event
// is unmapped or suppressed.
func (t *Translator) Key(raw uint16, value int32) (protocol.Input, bool) {
	switch value {
	case protocol.KeyDown:
		code, ok := t.logical(raw)
		if !ok {
			return protocol.Input{}, false
		}
		t.down[code] = true
		t.pressedAs[raw] = code
		if protocol.Keycode(code) == protocol.KeyCapsLock {
			t.capsLock = !t.capsLock
		}
		return t.event(code, value), true

	case protocol.KeyUp:
		code, ok := t.pressedAs[raw]
		if !ok {
			return protocol.Input{}, false
		}
		delete(t.pressedAs, raw)
		if !t.down[code] {
			return protocol.Input{}, false
		}
		t.down[code] = false
		return t.event(code, value), true

	case protocol.KeyRepeat:
		code, ok := t.pressedAs[raw]
		if !ok || !t.down[code] {
			return protocol.Input{}, false
		}
		return t.event(code, value), true
	}
	return protocol.Input{}, false
}

// logical returns the logical code raw would produce with the current
// modifier state.
func (t *Translator) logical(raw uint16) (uint16, bool) {
	if e, ok := keymap[raw]; ok {
		if e.named != 0 {
			return uint16(e.named), true
		}
		shift := t.isDown(protocol.KeyLShift) || t.isDown(protocol.KeyRShift)
		if e.letter && t.capsLock {
			shift = !shift
		}
		if shift {
			return uint16(e.shifted), true
		}
		return uint16(e.ascii), true
	}
	if b, ok := t.buttons[raw]; ok {
		return uint16(b), true
	}
	return 0, false
}

func (t *Translator) isDown(k protocol.Keycode) bool { return t.down[k] }

// IsDown reports whether a logical code is currently held.
func (t *Translator) IsDown(code uint16) bool {
	return code < protocol.KeycodeMax && t.down[code]
}

// Modifiers returns the modifier bits of the current key state.
func (t *Translator) Modifiers() int32 {
	var m int32
	if t.isDown(protocol.KeyLShift) || t.isDown(protocol.KeyRShift) {
		m |= protocol.ModShift
	}
	if t.isDown(protocol.KeyLCtrl) || t.isDown(protocol.KeyRCtrl) {
		m |= protocol.ModCtrl
	}
	if t.isDown(protocol.KeyLAlt) || t.isDown(protocol.KeyRAlt) {
		m |= protocol.ModAlt
	}
	if t.isDown(protocol.KeyLMeta) || t.isDown(protocol.KeyRMeta) {
		m |= protocol.ModMeta
	}
	if t.capsLock {
		m |= protocol.ModCaps
	}
	return m
}

// Reset forgets every held key and button.
func (t *Translator) Reset() {
	t.down = [protocol.KeycodeMax]bool{}
	clear(t.pressedAs)
}

func (t *Translator) event(code uint16, value int32) protocol.Input {
	typ := protocol.InputKey
	if code < 0x80 {
		typ = protocol.InputKeyASCII
	}
	return protocol.Input{
		Val:  value,
		Ext:  t.Modifiers(),
		Code: code,
		Type: typ,
	}
}
