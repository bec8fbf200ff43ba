package input

import "github.com/chronologos/spr16/internal/protocol"

// keyEntry maps one raw key code. Exactly one of ascii or named is set.
type keyEntry struct {
	ascii   byte
	shifted byte
	letter  bool
	named   protocol.Keycode
}

func ascii(lower, upper byte) keyEntry  { return keyEntry{ascii: lower, shifted: upper} }
func letter(c byte) keyEntry            { return keyEntry{ascii: c, shifted: c - 'a' + 'A', letter: true} }
func named(k protocol.Keycode) keyEntry { return keyEntry{named: k} }

// keymap is the US layout translation of raw evdev key codes.
var keymap = map[uint16]keyEntry{
	1:   ascii(protocol.ASCIIEscape, protocol.ASCIIEscape),
	2:   ascii('1', '!'),
	3:   ascii('2', '@'),
	4:   ascii('3', '#'),
	5:   ascii('4', '$'),
	6:   ascii('5', '%'),
	7:   ascii('6', '^'),
	8:   ascii('7', '&'),
	9:   ascii('8', '*'),
	10:  ascii('9', '('),
	11:  ascii('0', ')'),
	12:  ascii('-', '_'),
	13:  ascii('=', '+'),
	14:  ascii(protocol.ASCIIBackspace, protocol.ASCIIBackspace),
	15:  ascii(protocol.ASCIITab, protocol.ASCIITab),
	16:  letter('q'),
	17:  letter('w'),
	18:  letter('e'),
	19:  letter('r'),
	20:  letter('t'),
	21:  letter('y'),
	22:  letter('u'),
	23:  letter('i'),
	24:  letter('o'),
	25:  letter('p'),
	26:  ascii('[', '{'),
	27:  ascii(']', '}'),
	28:  ascii(protocol.ASCIIEnter, protocol.ASCIIEnter),
	29:  named(protocol.KeyLCtrl),
	30:  letter('a'),
	31:  letter('s'),
	32:  letter('d'),
	33:  letter('f'),
	34:  letter('g'),
	35:  letter('h'),
	36:  letter('j'),
	37:  letter('k'),
	38:  letter('l'),
	39:  ascii(';', ':'),
	40:  ascii('\'', '"'),
	41:  ascii('`', '~'),
	42:  named(protocol.KeyLShift),
	43:  ascii('\\', '|'),
	44:  letter('z'),
	45:  letter('x'),
	46:  letter('c'),
	47:  letter('v'),
	48:  letter('b'),
	49:  letter('n'),
	50:  letter('m'),
	51:  ascii(',', '<'),
	52:  ascii('.', '>'),
	53:  ascii('/', '?'),
	54:  named(protocol.KeyRShift),
	55:  ascii('*', '*'),
	56:  named(protocol.KeyLAlt),
	57:  ascii(protocol.ASCIISpace, protocol.ASCIISpace),
	58:  named(protocol.KeyCapsLock),
	59:  named(protocol.KeyF1),
	60:  named(protocol.KeyF2),
	61:  named(protocol.KeyF3),
	62:  named(protocol.KeyF4),
	63:  named(protocol.KeyF5),
	64:  named(protocol.KeyF6),
	65:  named(protocol.KeyF7),
	66:  named(protocol.KeyF8),
	67:  named(protocol.KeyF9),
	68:  named(protocol.KeyF10),
	69:  named(protocol.KeyNumLock),
	70:  named(protocol.KeyScrollLock),
	71:  ascii('7', '7'),
	72:  ascii('8', '8'),
	73:  ascii('9', '9'),
	74:  ascii('-', '-'),
	75:  ascii('4', '4'),
	76:  ascii('5', '5'),
	77:  ascii('6', '6'),
	78:  ascii('+', '+'),
	79:  ascii('1', '1'),
	80:  ascii('2', '2'),
	81:  ascii('3', '3'),
	82:  ascii('0', '0'),
	83:  ascii('.', '.'),
	87:  named(protocol.KeyF11),
	88:  named(protocol.KeyF12),
	96:  named(protocol.KeyKPEnter),
	97:  named(protocol.KeyRCtrl),
	98:  ascii('/', '/'),
	99:  named(protocol.KeyPrint),
	100: named(protocol.KeyRAlt),
	102: named(protocol.KeyHome),
	103: named(protocol.KeyUpArrow),
	104: named(protocol.KeyPageUp),
	105: named(protocol.KeyLeftArrow),
	106: named(protocol.KeyRightArrow),
	107: named(protocol.KeyEnd),
	108: named(protocol.KeyDownArrow),
	109: named(protocol.KeyPageDown),
	110: named(protocol.KeyInsert),
	111: named(protocol.KeyDelete),
	119: named(protocol.KeyPause),
	125: named(protocol.KeyLMeta),
	126: named(protocol.KeyRMeta),
	127: named(protocol.KeyMenu),
}

// standardButtons maps pointer buttons to their logical codes.
var standardButtons = map[uint16]protocol.Keycode{
	btnLeft:    protocol.BtnLeft,
	btnRight:   protocol.BtnRight,
	btnMiddle:  protocol.BtnMiddle,
	btnSide:    protocol.BtnSide,
	btnExtra:   protocol.BtnExtra,
	btnForward: protocol.BtnForward,
	btnBack:    protocol.BtnBack,
	btnTouch:   protocol.BtnContact,
	btnStylus:  protocol.BtnStylus,
	btnStylus2: protocol.BtnStylus2,
}

// buttonRoles builds the button table of one device. A touch surface that
// reports contact with BTN_LEFT instead of BTN_TOUCH has BTN_LEFT remapped
// to the contact button.
func buttonRoles(c *Caps, role Role) map[uint16]protocol.Keycode {
	roles := make(map[uint16]protocol.Keycode, len(standardButtons))
	for raw, code := range standardButtons {
		roles[raw] = code
	}
	if role == RoleTouch && c != nil && !c.Key.has(btnTouch) && c.Key.has(btnLeft) {
		roles[btnLeft] = protocol.BtnContact
	}
	return roles
}
