package server

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/chronologos/spr16/internal/input"
	"github.com/chronologos/spr16/internal/protocol"
)

// DeviceConfig selects and configures input devices.
type DeviceConfig struct {
	// Disabled runs without input devices.
	Disabled bool
	// Dir is scanned for event nodes and watched for hotplug.
	Dir string
	// Overrides name the device to use per role and bypass scoring.
	Overrides map[input.Role]string
	Options   input.Options
}

// focusSink delivers translated input to the focused client of the main
// screen. Events with no established receiver are dropped.
type focusSink struct{ s *Server }

func (f focusSink) Input(in protocol.Input) {
	if c, ok := f.s.receiver(); ok {
		f.s.deliver(c, &in)
	}
}

func (f focusSink) Surface(sf protocol.InputSurface) {
	if c, ok := f.s.receiver(); ok {
		f.s.deliver(c, &sf)
	}
}

func (s *Server) receiver() (*client, bool) {
	c, ok := s.screens.Focused()
	if !ok || c.state != Established {
		return nil, false
	}
	return c, true
}

// openDevices discovers and opens the configured devices and starts the
// hotplug watcher. Missing devices are not fatal: the server runs with
// whatever it found.
func (s *Server) openDevices() {
	cfg := s.cfg.Devices
	if cfg.Disabled {
		s.log.Info("input disabled")
		return
	}
	log := s.log.WithField("component", "input")

	chosen, err := input.Discover(cfg.Dir, cfg.Overrides, log)
	if err != nil {
		log.WithError(err).Warn("no input devices opened")
	}
	for _, role := range input.Roles {
		cand, ok := chosen[role]
		if !ok {
			continue
		}
		s.openDevice(cand.Path, role, log)
	}

	dir := cfg.Dir
	if dir == "" {
		dir = input.DefaultDir
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}
	w, err := input.NewWatcher(dir, s.wake, log)
	if err != nil {
		log.WithError(err).Warn("hotplug disabled")
		return
	}
	s.watcher = w
}

func (s *Server) openDevice(path string, role input.Role, log *logrus.Entry) bool {
	d, err := input.Open(path, role, s.pipeline.NextID(), s.cfg.Devices.Options, log)
	if err != nil {
		log.WithError(err).WithField("device", path).Warn("failed to open input device")
		return false
	}
	s.pipeline.Add(d)
	return true
}

// hotplug applies device nodes added or removed since the last wake. A new
// node fills the first role that has no device and that it qualifies for,
// or whose override names it.
func (s *Server) hotplug(changes []input.Hotplug) {
	log := s.log.WithField("component", "input")
	for _, ch := range changes {
		if !ch.Added {
			s.pipeline.Remove(ch.Path)
			continue
		}
		if s.hasDevice(ch.Path) {
			continue
		}
		caps, err := input.Probe(ch.Path)
		if err != nil {
			log.WithError(err).WithField("device", ch.Path).Debug("hotplug probe failed")
			continue
		}
		cand := input.NewCandidate(ch.Path, caps)
		for _, role := range input.Roles {
			if s.pipeline.HasRole(role) {
				continue
			}
			if want := s.cfg.Devices.Overrides[role]; want != "" {
				if !input.Matches(cand, want) {
					continue
				}
			} else if _, ok := cand.Scores[role]; !ok {
				continue
			}
			if s.openDevice(ch.Path, role, log) {
				break
			}
		}
	}
}

func (s *Server) hasDevice(path string) bool {
	for _, d := range s.pipeline.Devices() {
		if d.Path() == path {
			return true
		}
	}
	return false
}

// serviceDevice reads a readable device through the pipeline.
func (s *Server) serviceDevice(d input.Device) {
	if err := s.pipeline.Service(d); err != nil && !errors.Is(err, input.ErrDeviceGone) {
		s.log.WithError(err).WithField("device", d.Path()).Debug("input read error")
	}
}
