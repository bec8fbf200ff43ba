// Package server is the display server: a single-threaded poll loop over
// the listening socket, every client socket, every input device, the
// display's vblank source and a wake pipe.
//
// Nothing blocks except the poll call itself. Signals, device hotplug and
// shutdown reach the loop through the wake pipe, so all state below is
// touched by the loop goroutine only.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/auth"
	"github.com/chronologos/spr16/internal/damage"
	"github.com/chronologos/spr16/internal/fb"
	"github.com/chronologos/spr16/internal/input"
	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/screen"
	"github.com/chronologos/spr16/internal/transport"
)

const (
	// DefaultHandshakeTimeout bounds the time from accept to Established.
	DefaultHandshakeTimeout = 5 * time.Second

	// maxClients bounds the vblank sync queue.
	maxClients = 64
)

// Config holds server configuration.
type Config struct {
	// SocketPath is where the listening socket is bound.
	SocketPath       string
	HandshakeTimeout time.Duration
	Devices          DeviceConfig
}

// VtEvent reports the display being taken away by or returned from
// another virtual terminal.
type VtEvent int

const (
	VtRelease VtEvent = iota
	VtAcquire
)

func (v VtEvent) String() string {
	if v == VtAcquire {
		return "acquire"
	}
	return "release"
}

// Server owns every piece of display server state.
type Server struct {
	cfg     Config
	log     *logrus.Entry
	display fb.Provider
	info    fb.Info

	ln      *transport.Listener
	clients map[int]*client
	nextID  uint64
	screens *screen.Registry[*client]
	vsync   *damage.Queue[*client]
	direct  *client
	dead    []*client
	visible bool

	pipeline *input.Pipeline
	hotkeys  *input.Hotkeys
	watcher  *input.Watcher
	killed   bool

	wakeR, wakeW int
	mu           sync.Mutex
	vtEvents     []VtEvent

	// Ready is closed once the socket is listening. Callers (tests, CLI)
	// wait on it before dialing.
	Ready chan struct{}
}

// New creates a server for display. Call Run to start it.
func New(cfg Config, display fb.Provider, log *logrus.Entry) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = transport.SocketPath("", "")
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		display: display,
		info:    display.Info(),
		clients: make(map[int]*client),
		screens: screen.New[*client](),
		vsync:   damage.NewQueue[*client](maxClients),
		visible: true,
		wakeR:   -1,
		wakeW:   -1,
		Ready:   make(chan struct{}),
	}
	s.hotkeys = &input.Hotkeys{
		OnKill:       s.kill,
		OnNextScreen: s.nextScreen,
	}
	s.pipeline = input.NewPipeline(focusSink{s}, s.hotkeys, s.resync, log.WithField("component", "input"))
	return s
}

// Notify delivers a virtual terminal event to the loop. It is safe to call
// from any goroutine, including a signal handler loop.
func (s *Server) Notify(ev VtEvent) {
	s.mu.Lock()
	s.vtEvents = append(s.vtEvents, ev)
	s.mu.Unlock()
	s.wake()
}

// wake makes the next poll return. A full pipe already guarantees that.
func (s *Server) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeW >= 0 {
		unix.Write(s.wakeW, []byte{0})
	}
}

// Run listens and serves until ctx is cancelled or the kill hotkey is
// pressed. It returns an error only if the socket cannot be created or
// the loop itself fails.
func (s *Server) Run(ctx context.Context) error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("wake pipe: %w", err)
	}
	s.mu.Lock()
	s.wakeR, s.wakeW = p[0], p[1]
	s.mu.Unlock()

	ln, err := transport.Listen(s.cfg.SocketPath)
	if err != nil {
		s.closeWake()
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	s.openDevices()

	// Order matters: clients are told first, then devices and the socket
	// go away.
	defer func() {
		for _, c := range s.clients {
			s.drop(c, errShutdown)
		}
		s.reap()
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.pipeline.Close()
		s.ln.Close()
		s.closeWake()
	}()

	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.log.WithFields(logrus.Fields{
		"socket": s.ln.Path(),
		"width":  s.info.Width,
		"height": s.info.Height,
		"bpp":    s.info.Bpp,
	}).Info("listening")
	close(s.Ready)

	for {
		if err := s.step(ctx); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
}

var (
	errStop     = errors.New("server stopped")
	errShutdown = errors.New("server shutting down")
	errTimeout  = errors.New("handshake timed out")
)

// pollTag says what a poll entry belongs to.
type pollTag struct {
	kind   int
	client *client
	device input.Device
}

const (
	tagListener = iota
	tagWake
	tagVblank
	tagDevice
	tagClient
)

// step runs one poll and services everything that became ready.
func (s *Server) step(ctx context.Context) error {
	fds := []unix.PollFd{
		{Fd: int32(s.ln.Fd()), Events: unix.POLLIN},
		{Fd: int32(s.wakeR), Events: unix.POLLIN},
	}
	tags := []pollTag{{kind: tagListener}, {kind: tagWake}}
	// The vblank source is only watched while someone waits on it.
	if s.vsync.Len() > 0 {
		fds = append(fds, unix.PollFd{Fd: int32(s.display.VblankFd()), Events: unix.POLLIN})
		tags = append(tags, pollTag{kind: tagVblank})
	}
	for _, d := range s.pipeline.Devices() {
		fds = append(fds, unix.PollFd{Fd: int32(d.Fd()), Events: unix.POLLIN})
		tags = append(tags, pollTag{kind: tagDevice, device: d})
	}
	for _, c := range s.clients {
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
		tags = append(tags, pollTag{kind: tagClient, client: c})
	}

	_, err := unix.Poll(fds, s.pollTimeout(time.Now()))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("poll: %w", err)
	}
	if err == nil {
		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			s.ready(tags[i], pfd.Revents)
		}
	}
	s.expire(time.Now())
	s.reap()

	if ctx.Err() != nil {
		s.log.Info("shutting down")
		return errStop
	}
	if s.killed {
		s.log.Warn("kill hotkey pressed")
		return errStop
	}
	return nil
}

func (s *Server) ready(t pollTag, revents int16) {
	switch t.kind {
	case tagListener:
		s.accept()
	case tagWake:
		s.drainWake()
	case tagVblank:
		s.vblank()
	case tagDevice:
		// The device may have been removed earlier in this batch.
		if s.pipeline.Lookup(t.device.Fd()) == t.device {
			s.serviceDevice(t.device)
		}
	case tagClient:
		s.readClient(t.client, revents)
	}
}

// pollTimeout returns milliseconds until the nearest handshake deadline,
// or -1 when no connection is handshaking.
func (s *Server) pollTimeout(now time.Time) int {
	var next time.Time
	for _, c := range s.clients {
		if c.deadline.IsZero() {
			continue
		}
		if next.IsZero() || c.deadline.Before(next) {
			next = c.deadline
		}
	}
	if next.IsZero() {
		return -1
	}
	d := next.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// expire disconnects clients that did not finish the handshake in time.
func (s *Server) expire(now time.Time) {
	for _, c := range s.clients {
		if c.state == Closed || c.deadline.IsZero() || now.Before(c.deadline) {
			continue
		}
		s.drop(c, errTimeout)
	}
}

func (s *Server) accept() {
	for {
		fd, err := s.ln.Accept()
		if errors.Is(err, protocol.ErrWouldBlock) {
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("accept failed")
			return
		}

		s.nextID++
		c := &client{
			id:       s.nextID,
			fd:       fd,
			state:    Pending,
			batch:    protocol.NewBatch(protocol.DefaultBatchSize),
			deadline: time.Now().Add(s.cfg.HandshakeTimeout),
		}
		log := s.log.WithField("client", c.id)
		if peer, err := auth.PeerCredentials(fd); err == nil {
			log = log.WithFields(logrus.Fields{"pid": peer.PID, "uid": peer.UID})
			if !peer.SameUser() {
				log.Warn("client runs as a different user")
			}
		} else {
			log.WithError(err).Debug("no peer credentials")
		}
		c.log = log
		s.clients[fd] = c
		log.Info("client connected")

		err = c.send(&protocol.ServInfo{
			Width:  uint16(s.info.Width),
			Height: uint16(s.info.Height),
			Bpp:    uint16(s.info.Bpp),
		})
		if err != nil {
			s.drop(c, fmt.Errorf("send servinfo: %w", err))
		}
	}
}

// readClient reads one batch from c and dispatches it.
func (s *Server) readClient(c *client, revents int16) {
	if c.state == Closed {
		return
	}
	if revents&unix.POLLIN == 0 && revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		s.drop(c, io.EOF)
		return
	}
	_, err := c.batch.Read(c.fd)
	if errors.Is(err, protocol.ErrWouldBlock) {
		return
	}
	if err != nil {
		s.drop(c, err)
		return
	}
	err = protocol.Dispatch(c.batch.Bytes(), func(h protocol.Header, msg any) error {
		return s.handle(c, h, msg)
	})
	if err != nil {
		s.drop(c, err)
	}
}

// deliver sends msg to c. A full socket drops the message; any other
// failure disconnects the client.
func (s *Server) deliver(c *client, msg any) {
	if c.state == Closed {
		return
	}
	err := c.send(msg)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrWouldBlock):
		c.log.Debug("client socket full, message dropped")
	default:
		s.drop(c, err)
	}
}

// attach places an established client on its own screen.
func (s *Server) attach(c *client) {
	s.screens.Attach(c)
	c.log.WithFields(logrus.Fields{
		"name":    c.name,
		"screens": s.screens.Len(),
		"focused": s.screens.IsFocused(c),
	}).Info("client established")
}

// drop tears c down: best-effort NACK(DISCONNECT), then detach it from the
// screens and the sync queue. The socket and sprite are released by reap
// at the end of the loop iteration so that a descriptor number is never
// reused while poll results still refer to it.
func (s *Server) drop(c *client, reason error) {
	if c.state == Closed {
		return
	}
	log := c.log.WithField("state", c.state)
	switch {
	case errors.Is(reason, io.EOF), errors.Is(reason, errClientLeft), errors.Is(reason, errShutdown):
		log.WithError(reason).Info("client disconnected")
	default:
		log.WithError(reason).Warn("client dropped")
	}

	if !errors.Is(reason, errNack) {
		c.nack(protocol.NackDisconnect)
	}
	c.state = Closed
	c.damage.Discard()
	s.vsync.Remove(c)
	if s.direct == c {
		s.direct = nil
	}
	s.dead = append(s.dead, c)
	if s.screens.Remove(c) {
		s.resync()
	}
}

// reap releases every client dropped during this iteration.
func (s *Server) reap() {
	for _, c := range s.dead {
		delete(s.clients, c.fd)
		c.release()
	}
	s.dead = s.dead[:0]
}

func (s *Server) closeWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	s.wakeR, s.wakeW = -1, -1
}

func (s *Server) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}

	s.mu.Lock()
	events := s.vtEvents
	s.vtEvents = nil
	s.mu.Unlock()
	for _, ev := range events {
		s.vt(ev)
	}

	if s.watcher != nil {
		if changes := s.watcher.Take(); len(changes) > 0 {
			s.hotplug(changes)
		}
	}
}

// vt applies a virtual terminal switch. Releasing stops display writes
// and mutes input; acquiring unmutes input, which flushes stale device
// events, resets key state and finally resyncs the display.
func (s *Server) vt(ev VtEvent) {
	s.log.WithField("event", ev).Info("virtual terminal switch")
	switch ev {
	case VtRelease:
		s.visible = false
		s.pipeline.Mute()
	case VtAcquire:
		if s.visible {
			return
		}
		s.visible = true
		if s.pipeline.State() == input.Muted {
			s.pipeline.Unmute()
		} else {
			s.resync()
		}
	}
}

func (s *Server) kill() {
	s.killed = true
}

func (s *Server) nextScreen() {
	before, _ := s.screens.Focused()
	after, ok := s.screens.Next()
	if !ok || after == before {
		return
	}
	s.log.WithField("client", after.id).Info("switched screen")
	s.resync()
}
