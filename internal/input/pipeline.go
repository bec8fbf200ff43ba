package input

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spr16/internal/protocol"
)

// State is the mute state of the pipeline.
type State int

const (
	Active State = iota
	// Muted discards input while another virtual terminal owns the display.
	Muted
	// Unmuting is held only for the duration of Unmute.
	Unmuting
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Muted:
		return "muted"
	case Unmuting:
		return "unmuting"
	default:
		return "unknown"
	}
}

// Pipeline owns the open devices and routes their events through hotkey
// interception to a sink. It is driven by the event loop and is not safe
// for concurrent use.
type Pipeline struct {
	devices []Device
	state   State
	hotkeys *Hotkeys
	sink    Emitter
	resync  func()
	log     *logrus.Entry
}

// NewPipeline creates an active pipeline. resync is called at the end of
// every unmute, after stale events were flushed and key state was reset.
func NewPipeline(sink Emitter, hotkeys *Hotkeys, resync func(), log *logrus.Entry) *Pipeline {
	if hotkeys == nil {
		hotkeys = &Hotkeys{}
	}
	return &Pipeline{sink: sink, hotkeys: hotkeys, resync: resync, log: log}
}

// State returns the current mute state.
func (p *Pipeline) State() State { return p.state }

// Add starts servicing d.
func (p *Pipeline) Add(d Device) {
	p.devices = append(p.devices, d)
	p.log.WithFields(logrus.Fields{"device": d.Path(), "name": d.Name(), "role": d.Role()}).Info("input device added")
}

// Remove closes and drops the device at path. It reports whether one was
// found.
func (p *Pipeline) Remove(path string) bool {
	for i, d := range p.devices {
		if d.Path() != path {
			continue
		}
		d.Close()
		p.devices = append(p.devices[:i], p.devices[i+1:]...)
		p.log.WithFields(logrus.Fields{"device": path, "role": d.Role()}).Info("input device removed")
		return true
	}
	return false
}

// Devices returns the open devices.
func (p *Pipeline) Devices() []Device { return p.devices }

// Lookup returns the device polling on fd.
func (p *Pipeline) Lookup(fd int) Device {
	for _, d := range p.devices {
		if d.Fd() == fd {
			return d
		}
	}
	return nil
}

// HasRole reports whether a device fills role.
func (p *Pipeline) HasRole(role Role) bool {
	for _, d := range p.devices {
		if d.Role() == role {
			return true
		}
	}
	return false
}

// NextID returns the lowest device id not in use.
func (p *Pipeline) NextID() uint8 {
	used := make(map[uint8]bool, len(p.devices))
	for _, d := range p.devices {
		used[d.ID()] = true
	}
	var id uint8
	for used[id] {
		id++
	}
	return id
}

// Mute stops delivering input.
func (p *Pipeline) Mute() {
	if p.state == Muted {
		return
	}
	p.state = Muted
	p.log.Debug("input muted")
}

// Unmute flushes stale kernel events from every device, then resets key
// and contact state, then requests a full redraw, in that order, before
// input flows again.
func (p *Pipeline) Unmute() {
	if p.state != Muted {
		return
	}
	p.state = Unmuting
	for _, d := range append([]Device(nil), p.devices...) {
		if err := d.Flush(); err != nil {
			p.dropOnError(d, err)
		}
	}
	for _, d := range p.devices {
		d.Reset()
	}
	p.hotkeys.Reset()
	if p.resync != nil {
		p.resync()
	}
	p.state = Active
	p.log.Debug("input active")
}

// Service handles readiness on d. While muted the events are discarded.
func (p *Pipeline) Service(d Device) error {
	var err error
	if p.state == Active {
		err = d.Transceive(filter{p})
	} else {
		err = d.Flush()
	}
	if err != nil {
		p.dropOnError(d, err)
	}
	return err
}

func (p *Pipeline) dropOnError(d Device, err error) {
	if errors.Is(err, ErrDeviceGone) {
		p.Remove(d.Path())
		return
	}
	p.log.WithError(err).WithField("device", d.Path()).Warn("input device read failed")
}

// Close closes every device.
func (p *Pipeline) Close() {
	for _, d := range p.devices {
		d.Close()
	}
	p.devices = nil
}

// filter applies hotkeys between devices and the sink.
type filter struct{ p *Pipeline }

func (f filter) Input(in protocol.Input) {
	if f.p.hotkeys.Check(in) != Forward {
		return
	}
	f.p.sink.Input(in)
}

func (f filter) Surface(s protocol.InputSurface) {
	f.p.sink.Surface(s)
}
