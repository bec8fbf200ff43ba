package input

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux input event types.
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
	evMsc = 0x04
	evLed = 0x11
	evFF  = 0x15
	evCnt = 0x20
)

// SYN codes.
const (
	synReport   = 0
	synMTReport = 2
	synDropped  = 3
)

// Relative axes.
const (
	relX      = 0x00
	relY      = 0x01
	relHWheel = 0x06
	relWheel  = 0x08
	relCnt    = 0x10
)

// Absolute axes.
const (
	absX             = 0x00
	absY             = 0x01
	absPressure      = 0x18
	absMTSlot        = 0x2f
	absMTTouchMajor  = 0x30
	absMTPositionX   = 0x35
	absMTPositionY   = 0x36
	absMTTrackingID  = 0x39
	absMTPressure    = 0x3a
	absCnt           = 0x40
	keyCnt           = 0x300
	ledCnt           = 0x10
	ffCnt            = 0x80
	deviceNameLength = 256
)

// Buttons.
const (
	btnLeft       = 0x110
	btnRight      = 0x111
	btnMiddle     = 0x112
	btnSide       = 0x113
	btnExtra      = 0x114
	btnForward    = 0x115
	btnBack       = 0x116
	btnTask       = 0x117
	btnToolFinger = 0x145
	btnTouch      = 0x14a
	btnStylus     = 0x14b
	btnStylus2    = 0x14c
)

// Keys referenced by probing and hotkeys.
const (
	keyEsc        = 1
	keyBackspace  = 14
	keyTab        = 15
	keyEnter      = 28
	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyLeftAlt    = 56
	keySpace      = 57
	keyCapsLock   = 58
	keyF1         = 59
	keyF10        = 68
	keyF11        = 87
	keyF12        = 88
	keyRightCtrl  = 97
	keyRightAlt   = 100
	keyLeft       = 105
	keyRight      = 106
	keyLeftMeta   = 125
	keyRightMeta  = 126
)

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

// EVIOCGNAME(len) = _IOC(_IOC_READ, 'E', 0x06, len)
func eviocGName(size int) uintptr { return ioc(iocRead, 'E', 0x06, uint32(size)) }

// EVIOCGBIT(ev, len) = _IOC(_IOC_READ, 'E', 0x20 + ev, len)
func eviocGBit(ev, size int) uintptr { return ioc(iocRead, 'E', uint32(0x20+ev), uint32(size)) }

// EVIOCGABS(abs) = _IOR('E', 0x40 + abs, struct input_absinfo)
func eviocGAbs(abs int) uintptr {
	return ioc(iocRead, 'E', uint32(0x40+abs), uint32(unsafe.Sizeof(absInfo{})))
}

// EVIOCGRAB = _IOW('E', 0x90, int)
func eviocGrab() uintptr { return ioc(iocWrite, 'E', 0x90, uint32(unsafe.Sizeof(int32(0)))) }

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// absInfo mirrors struct input_absinfo.
type absInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// bitset is a capability bitmap as returned by EVIOCGBIT.
type bitset []byte

func newBitset(bits int) bitset { return make(bitset, (bits+7)/8) }

func (b bitset) has(bit int) bool {
	i := bit / 8
	return i < len(b) && b[i]&(1<<(bit%8)) != 0
}

func (b bitset) set(bit int) {
	if i := bit / 8; i < len(b) {
		b[i] |= 1 << (bit % 8)
	}
}

func (b bitset) count() int {
	n := 0
	for _, v := range b {
		for ; v != 0; v &= v - 1 {
			n++
		}
	}
	return n
}

// Caps is the capability set of one event node.
type Caps struct {
	Name string
	Ev   bitset
	Key  bitset
	Rel  bitset
	Abs  bitset
	Led  bitset
	FF   bitset
	// AbsInfo holds calibration for every advertised absolute axis.
	AbsInfo map[int]absInfo
}

// NewCaps returns an empty capability set, used to describe devices in
// tests and by QueryCaps.
func NewCaps(name string) *Caps {
	return &Caps{
		Name:    name,
		Ev:      newBitset(evCnt),
		Key:     newBitset(keyCnt),
		Rel:     newBitset(relCnt),
		Abs:     newBitset(absCnt),
		Led:     newBitset(ledCnt),
		FF:      newBitset(ffCnt),
		AbsInfo: make(map[int]absInfo),
	}
}

// SetKeys marks key codes as supported.
func (c *Caps) SetKeys(codes ...int) *Caps {
	c.Ev.set(evKey)
	for _, code := range codes {
		c.Key.set(code)
	}
	return c
}

// SetRel marks relative axes as supported.
func (c *Caps) SetRel(codes ...int) *Caps {
	c.Ev.set(evRel)
	for _, code := range codes {
		c.Rel.set(code)
	}
	return c
}

// SetAbs marks an absolute axis as supported with the given range.
func (c *Caps) SetAbs(code int, min, max int32) *Caps {
	c.Ev.set(evAbs)
	c.Abs.set(code)
	c.AbsInfo[code] = absInfo{Min: min, Max: max}
	return c
}

// QueryCaps reads the name, capability bitmaps and axis ranges of an open
// event node.
func QueryCaps(fd int) (*Caps, error) {
	name := make([]byte, deviceNameLength)
	if err := ioctl(fd, eviocGName(len(name)), unsafe.Pointer(&name[0])); err != nil {
		return nil, fmt.Errorf("EVIOCGNAME: %w", err)
	}
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	c := NewCaps(string(name))

	for _, q := range []struct {
		ev  int
		set bitset
	}{
		{0, c.Ev},
		{evKey, c.Key},
		{evRel, c.Rel},
		{evAbs, c.Abs},
		{evLed, c.Led},
		{evFF, c.FF},
	} {
		if q.ev != 0 && !c.Ev.has(q.ev) {
			continue
		}
		if err := ioctl(fd, eviocGBit(q.ev, len(q.set)), unsafe.Pointer(&q.set[0])); err != nil {
			return nil, fmt.Errorf("EVIOCGBIT(%#x): %w", q.ev, err)
		}
	}

	for code := range absCnt {
		if !c.Abs.has(code) {
			continue
		}
		var info absInfo
		if err := ioctl(fd, eviocGAbs(code), unsafe.Pointer(&info)); err != nil {
			return nil, fmt.Errorf("EVIOCGABS(%#x): %w", code, err)
		}
		c.AbsInfo[code] = info
	}
	return c, nil
}

func grab(fd int, on bool) error {
	// The kernel reads the argument itself, not a pointer to it.
	v := 0
	if on {
		v = 1
	}
	return unix.IoctlSetInt(fd, uint(eviocGrab()), v)
}

// Event is one decoded input_event.
type Event struct {
	Time  time.Time
	Type  uint16
	Code  uint16
	Value int32
}

// eventSize is sizeof(struct input_event): a timeval then type, code, value.
var eventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

var hostOrder = binary.NativeEndian

// decodeEvents splits a read buffer into events. Trailing bytes that do not
// form a whole event are ignored; the kernel never returns partial events.
func decodeEvents(buf []byte, out []Event) []Event {
	tv := eventSize - 8
	half := tv / 2
	for len(buf) >= eventSize {
		var sec, usec int64
		if half == 8 {
			sec = int64(hostOrder.Uint64(buf[0:8]))
			usec = int64(hostOrder.Uint64(buf[8:16]))
		} else {
			sec = int64(int32(hostOrder.Uint32(buf[0:4])))
			usec = int64(int32(hostOrder.Uint32(buf[4:8])))
		}
		out = append(out, Event{
			Time:  time.Unix(sec, usec*1000),
			Type:  hostOrder.Uint16(buf[tv : tv+2]),
			Code:  hostOrder.Uint16(buf[tv+2 : tv+4]),
			Value: int32(hostOrder.Uint32(buf[tv+4 : tv+8])),
		})
		buf = buf[eventSize:]
	}
	return out
}
