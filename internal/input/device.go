// Package input discovers evdev devices and turns their raw events into
// protocol input messages.
//
// Every device is a Device: the event loop polls its descriptor and calls
// Transceive when it is readable. Translation state (held keys, touch
// contacts, trackpad gestures) lives in the device; the Pipeline applies
// hotkeys and the mute state before events reach a client.
package input

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
)

// ErrDeviceGone is returned by Transceive when the device was unplugged.
var ErrDeviceGone = errors.New("input device removed")

// Role is the logical function a device was selected for.
type Role int

const (
	RoleKeyboard Role = iota
	RoleMouse
	RoleTouch
)

// Roles lists every role in probing order.
var Roles = []Role{RoleKeyboard, RoleMouse, RoleTouch}

func (r Role) String() string {
	switch r {
	case RoleKeyboard:
		return "keyboard"
	case RoleMouse:
		return "mouse"
	case RoleTouch:
		return "touch"
	default:
		return "unknown"
	}
}

// Emitter receives translated events.
type Emitter interface {
	Input(protocol.Input)
	Surface(protocol.InputSurface)
}

// Device is one opened input source.
type Device interface {
	// ID is copied into every event the device emits.
	ID() uint8
	Name() string
	Path() string
	Role() Role
	Fd() int
	// Transceive reads every pending event and emits its translation.
	Transceive(out Emitter) error
	// Flush discards events queued in the kernel.
	Flush() error
	// Reset forgets held keys, buttons and contacts.
	Reset()
	Close() error
}

// Options configures event translation.
type Options struct {
	Accel    Accel
	Trackpad bool
	TapDelay time.Duration
	// Grab requests exclusive access so the console does not also see the
	// events.
	Grab bool
}

// processor holds the translation state of one device. It is separate
// from the descriptor so it can be driven by decoded events directly.
type processor struct {
	role  Role
	id    uint8
	trans *Translator
	accel Accel
	axes  map[uint16]Axis
	touch *Touch
	pad   *Trackpad
	log   *logrus.Entry

	emitted  bool
	dropping bool
	warnedA  bool
	lastTime time.Time
}

var absAxisCodes = map[uint16]uint16{
	absX:        protocol.AxisX,
	absY:        protocol.AxisY,
	absPressure: protocol.AxisPressure,
}

func newProcessor(c *Caps, role Role, opts Options, log *logrus.Entry) *processor {
	p := &processor{
		role:  role,
		trans: NewTranslator(buttonRoles(c, role)),
		accel: opts.Accel,
		axes:  make(map[uint16]Axis),
		log:   log,
	}
	for code := range absAxisCodes {
		if info, ok := c.AbsInfo[int(code)]; ok {
			p.axes[code] = Axis{Min: info.Min, Max: info.Max}
		}
	}
	if role == RoleTouch {
		p.touch = NewTouch(c)
		if opts.Trackpad {
			p.pad = NewTrackpad(p.touch, opts.Accel, opts.TapDelay)
		}
		if p.touch.TypeA() {
			p.warnTypeA()
		}
	}
	return p
}

func (p *processor) warnTypeA() {
	if p.warnedA {
		return
	}
	p.warnedA = true
	p.log.Warn("multi-touch protocol type A is not supported; contacts ignored")
}

type idEmitter struct {
	p   *processor
	out Emitter
}

func (e idEmitter) input(in protocol.Input) {
	in.ID = e.p.id
	e.p.emitted = true
	e.out.Input(in)
}

func (e idEmitter) surface(s protocol.InputSurface) {
	s.Input.ID = e.p.id
	e.p.emitted = true
	e.out.Surface(s)
}

// process translates one batch of events. A contact frame still open at
// the end of the batch is emitted.
func (p *processor) process(events []Event, out Emitter) {
	e := idEmitter{p: p, out: out}
	for _, ev := range events {
		p.lastTime = ev.Time
		if p.dropping {
			if ev.Type == evSyn && ev.Code == synReport {
				p.dropping = false
				if p.touch != nil {
					p.touch.Reset()
				}
			}
			continue
		}
		switch ev.Type {
		case evSyn:
			p.syn(ev, e)
		case evKey:
			p.key(ev, e)
		case evRel:
			p.rel(ev, e)
		case evAbs:
			p.abs(ev, e)
		}
	}
	if !p.dropping {
		p.frame(e)
	}
}

func (p *processor) syn(ev Event, e idEmitter) {
	switch ev.Code {
	case synReport:
		p.frame(e)
		if p.emitted {
			e.input(protocol.Input{Type: protocol.InputCtrl, Code: protocol.CtrlSyn})
			p.emitted = false
		}
	case synMTReport:
		if p.touch != nil {
			p.touch.MarkTypeA()
			p.warnTypeA()
		}
	case synDropped:
		p.log.Debug("event queue overflow; dropping until next report")
		p.dropping = true
	}
}

func (p *processor) key(ev Event, e idEmitter) {
	in, ok := p.trans.Key(ev.Code, ev.Value)
	if !ok {
		return
	}
	if p.touch != nil && protocol.Keycode(in.Code) == protocol.BtnContact {
		if in.Val != protocol.KeyRepeat {
			p.touch.Contact(in.Val == protocol.KeyDown)
		}
		if p.pad != nil {
			return
		}
	}
	e.input(in)
}

func (p *processor) rel(ev Event, e idEmitter) {
	in := protocol.Input{Type: protocol.InputRelative}
	switch ev.Code {
	case relX:
		in.Code, in.Val = protocol.AxisX, p.accel.Apply(ev.Value)
	case relY:
		in.Code, in.Val = protocol.AxisY, p.accel.Apply(ev.Value)
	case relWheel:
		in.Code, in.Val = protocol.AxisWheel, p.accel.Wheel(ev.Value)
	case relHWheel:
		in.Code, in.Val = protocol.AxisHWheel, p.accel.Wheel(ev.Value)
	default:
		return
	}
	if in.Val != 0 {
		e.input(in)
	}
}

func (p *processor) abs(ev Event, e idEmitter) {
	if p.touch != nil {
		p.touch.Abs(ev.Code, ev.Value)
		return
	}
	code, ok := absAxisCodes[ev.Code]
	if !ok {
		return
	}
	axis := p.axes[ev.Code]
	e.input(protocol.Input{
		Type: protocol.InputAbsolute,
		Code: code,
		Val:  axis.Normalize(ev.Value),
		Ext:  axis.Range(),
	})
}

func (p *processor) frame(e idEmitter) {
	if p.touch == nil {
		return
	}
	if p.pad != nil {
		p.pad.Frame(p.touch, p.lastTime, e.input)
		return
	}
	p.touch.Frame(e.surface)
}

func (p *processor) reset() {
	p.trans.Reset()
	p.dropping = false
	p.emitted = false
	if p.touch != nil {
		p.touch.Reset()
	}
	if p.pad != nil {
		p.pad.Reset()
	}
}

// evdevDevice is a Device backed by a /dev/input/event* node.
type evdevDevice struct {
	fd     int
	path   string
	caps   *Caps
	proc   *processor
	buf    []byte
	events []Event
	log    *logrus.Entry
}

// readBatchEvents bounds one read.
const readBatchEvents = 64

// Open opens path nonblocking and prepares it for role. id is copied into
// every emitted event.
func Open(path string, role Role, id uint8, opts Options, log *logrus.Entry) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	caps, err := QueryCaps(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if opts.Grab {
		if err := grab(fd, true); err != nil {
			log.WithError(err).WithField("device", path).Warn("exclusive grab failed")
		}
	}

	log = log.WithFields(logrus.Fields{"device": path, "name": caps.Name, "role": role})
	proc := newProcessor(caps, role, opts, log)
	proc.id = id
	return &evdevDevice{
		fd:   fd,
		path: path,
		caps: caps,
		proc: proc,
		buf:  make([]byte, readBatchEvents*eventSize),
		log:  log,
	}, nil
}

func (d *evdevDevice) ID() uint8    { return d.proc.id }
func (d *evdevDevice) Name() string { return d.caps.Name }
func (d *evdevDevice) Path() string { return d.path }
func (d *evdevDevice) Role() Role   { return d.proc.role }
func (d *evdevDevice) Fd() int      { return d.fd }

func (d *evdevDevice) read() (int, error) {
	for range 8 {
		n, err := unix.Read(d.fd, d.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err == unix.ENODEV:
			return 0, ErrDeviceGone
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", d.path, err)
		}
		return n, nil
	}
	return 0, nil
}

func (d *evdevDevice) Transceive(out Emitter) error {
	for {
		n, err := d.read()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		d.events = decodeEvents(d.buf[:n], d.events[:0])
		d.proc.process(d.events, out)
		if n < len(d.buf) {
			return nil
		}
	}
}

func (d *evdevDevice) Flush() error {
	for {
		n, err := d.read()
		if err != nil {
			return err
		}
		if n < len(d.buf) {
			return nil
		}
	}
}

func (d *evdevDevice) Reset() { d.proc.reset() }

func (d *evdevDevice) Close() error {
	return unix.Close(d.fd)
}
