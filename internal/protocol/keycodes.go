package protocol

// Keycode is the logical key identifier sent in Input.Code for InputKey
// events. Codes below 0x80 are reserved for InputKeyASCII, which carries
// the ASCII value directly.
type Keycode uint16

const (
	KeyLShift Keycode = 0x100 + iota
	KeyRShift
	KeyLCtrl
	KeyRCtrl
	KeyLAlt
	KeyRAlt
	KeyLMeta
	KeyRMeta
	KeyCapsLock
	KeyNumLock
	KeyScrollLock
	KeyUpArrow
	KeyDownArrow
	KeyLeftArrow
	KeyRightArrow
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyInsert
	KeyDelete
	KeyPrint
	KeyPause
	KeyMenu
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
	KeyKPEnter
)

// Buttons share the keycode space so a single btn_down set covers them.
const (
	BtnLeft Keycode = 0x200 + iota
	BtnRight
	BtnMiddle
	BtnSide
	BtnExtra
	BtnForward
	BtnBack
	BtnContact // touch surface contact / tap
	BtnStylus
	BtnStylus2
)

// KeycodeMax is one past the largest defined keycode.
const KeycodeMax = 0x300

// IsButton reports whether k is a pointer or touch button.
func (k Keycode) IsButton() bool {
	return k >= BtnLeft && k <= BtnStylus2
}

// IsFunction reports whether k is one of F1..F12.
func (k Keycode) IsFunction() bool {
	return k >= KeyF1 && k <= KeyF12
}

// ASCII control characters that have dedicated keys.
const (
	ASCIIBackspace = 0x08
	ASCIITab       = 0x09
	ASCIIEnter     = 0x0d
	ASCIIEscape    = 0x1b
	ASCIISpace     = 0x20
)
