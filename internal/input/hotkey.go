package input

import "github.com/chronologos/spr16/internal/protocol"

// Action is the outcome of a hotkey check.
type Action int

const (
	// Forward passes the event to the focused client.
	Forward Action = iota
	// Suppress drops the event. Used for combinations reserved for virtual
	// terminal switching.
	Suppress
	// Kill requests immediate server termination.
	Kill
	// NextScreen cycles the main screen.
	NextScreen
)

// Hotkeys intercepts reserved key combinations. Combinations are matched
// on key-down only; the later repeat and release of an intercepted key are
// suppressed with it so clients never see half a key stroke.
type Hotkeys struct {
	OnKill       func()
	OnNextScreen func()

	held map[uint16]bool
}

// Check classifies a key event and runs the matching callback.
func (h *Hotkeys) Check(in protocol.Input) Action {
	if in.Type != protocol.InputKey && in.Type != protocol.InputKeyASCII {
		return Forward
	}
	if in.Val != protocol.KeyDown {
		if h.held[in.Code] {
			if in.Val == protocol.KeyUp {
				delete(h.held, in.Code)
			}
			return Suppress
		}
		return Forward
	}

	action := classify(in)
	switch action {
	case Forward:
		return Forward
	case Kill:
		if h.OnKill != nil {
			h.OnKill()
		}
	case NextScreen:
		if h.OnNextScreen != nil {
			h.OnNextScreen()
		}
	}
	if h.held == nil {
		h.held = make(map[uint16]bool)
	}
	h.held[in.Code] = true
	return action
}

func classify(in protocol.Input) Action {
	ctrl := in.Ext&protocol.ModCtrl != 0
	alt := in.Ext&protocol.ModAlt != 0
	if !alt {
		return Forward
	}
	if in.Type == protocol.InputKeyASCII {
		switch {
		case ctrl && in.Code == protocol.ASCIIEscape:
			return Kill
		case ctrl && in.Code == protocol.ASCIITab:
			return NextScreen
		}
		return Forward
	}
	k := protocol.Keycode(in.Code)
	if k.IsFunction() || k == protocol.KeyLeftArrow || k == protocol.KeyRightArrow {
		return Suppress
	}
	return Forward
}

// Reset forgets intercepted keys.
func (h *Hotkeys) Reset() { clear(h.held) }
