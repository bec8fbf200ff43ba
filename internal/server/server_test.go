package server

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	sprclient "github.com/chronologos/spr16/internal/client"
	"github.com/chronologos/spr16/internal/fb"
	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/shm"
	"github.com/chronologos/spr16/internal/transport"
)

const (
	testWidth  = 800
	testHeight = 600
	waitLimit  = 2 * time.Second
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// startTestServer runs a headless server on a socket in a temp dir. The
// server runs in a background goroutine; cleanup cancels it and waits for
// exit.
func startTestServer(t *testing.T, cfg Config) (*Server, *fb.Memory, string) {
	t.Helper()
	return startTestServerWith(t, cfg, quietLog(), nil)
}

// startTestServerWith is startTestServer with a chosen logger and a hook
// that runs between New and Run.
func startTestServerWith(t *testing.T, cfg Config, log *logrus.Entry, prepare func(*Server)) (*Server, *fb.Memory, string) {
	t.Helper()

	display, err := fb.NewMemory(testWidth, testHeight, 60)
	if err != nil {
		t.Fatal(err)
	}
	cfg.SocketPath = filepath.Join(t.TempDir(), "spr16-test")
	cfg.Devices.Disabled = true

	s := New(cfg, display, log)
	if prepare != nil {
		prepare(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	select {
	case <-s.Ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for server to start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("server exited with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		display.Close()
	})
	return s, display, cfg.SocketPath
}

// rawConn speaks the protocol by hand so tests can break the rules.
type rawConn struct {
	t     *testing.T
	fd    int
	batch *protocol.Batch
	queue []any
}

func dialRaw(t *testing.T, path string) *rawConn {
	t.Helper()
	fd, err := transport.Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return &rawConn{t: t, fd: fd, batch: protocol.NewBatch(0)}
}

func (r *rawConn) send(msg any) {
	r.t.Helper()
	if err := protocol.WriteMessage(r.fd, msg); err != nil {
		r.t.Fatalf("send %T: %v", msg, err)
	}
}

// next returns the next message, or nil once the server hung up.
func (r *rawConn) next() any {
	r.t.Helper()
	for len(r.queue) == 0 {
		if err := transport.WaitReadable(r.fd, waitLimit); err != nil {
			r.t.Fatalf("waiting for message: %v", err)
		}
		_, err := r.batch.Read(r.fd)
		if errors.Is(err, protocol.ErrWouldBlock) {
			continue
		}
		if err == io.EOF || errors.Is(err, unix.ECONNRESET) {
			return nil
		}
		if err != nil {
			r.t.Fatalf("read: %v", err)
		}
		err = protocol.Dispatch(r.batch.Bytes(), func(_ protocol.Header, m any) error {
			r.queue = append(r.queue, m)
			return nil
		})
		if err != nil {
			r.t.Fatal(err)
		}
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m
}

func (r *rawConn) expectAck(info protocol.AckInfo, ack bool) {
	r.t.Helper()
	m := r.next()
	a, ok := m.(*protocol.Ack)
	if !ok || a.Info != info || a.Ack != ack {
		r.t.Fatalf("got %#v, want ack %s (ack=%v)", m, info, ack)
	}
}

func (r *rawConn) expectClosed() {
	r.t.Helper()
	if m := r.next(); m != nil {
		r.t.Fatalf("expected hangup, got %#v", m)
	}
}

// expectDisconnect reads the best-effort NACK(DISCONNECT) and the hangup.
func (r *rawConn) expectDisconnect() {
	r.t.Helper()
	r.expectAck(protocol.NackDisconnect, false)
	r.expectClosed()
}

func (r *rawConn) servinfo() protocol.ServInfo {
	r.t.Helper()
	m := r.next()
	info, ok := m.(*protocol.ServInfo)
	if !ok {
		r.t.Fatalf("expected servinfo, got %#v", m)
	}
	return *info
}

func dialClient(t *testing.T, path string, w, h int) *sprclient.Conn {
	t.Helper()
	c, err := sprclient.Dial(path, waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if _, err := c.Register("test", w, h, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	return c
}

func fill(buf *shm.Buffer, v byte) {
	mem := buf.Bytes()
	for i := range mem {
		mem[i] = v
	}
}

// pixel returns the first byte of pixel (x, y) of a 32bpp surface.
func pixel(mem []byte, stride, x, y int) byte {
	return mem[y*stride+x*4]
}

// fence makes sure everything sent before it has been serviced.
func fence(t *testing.T, c *sprclient.Conn) {
	t.Helper()
	if err := c.Sync(protocol.SyncVblank, 0, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitVsync(waitLimit); err != nil {
		t.Fatalf("wait vsync: %v", err)
	}
}

func TestHandshake(t *testing.T) {
	_, display, path := startTestServer(t, Config{})
	r := dialRaw(t, path)

	info := r.servinfo()
	if info != (protocol.ServInfo{Width: testWidth, Height: testHeight, Bpp: 32}) {
		t.Fatalf("servinfo = %+v", info)
	}

	r.send(&protocol.RegisterSprite{Name: "test", Width: 640, Height: 480, Bpp: 32})
	r.expectAck(protocol.AckRecvFD, true)

	r.send(&protocol.Ack{Info: protocol.AckSendFD, Ack: true})
	if err := transport.WaitReadable(r.fd, waitLimit); err != nil {
		t.Fatal(err)
	}
	fd, err := transport.RecvFD(r.fd)
	if err != nil {
		t.Fatalf("receive descriptor: %v", err)
	}
	sprite, err := shm.Map(fd, 640, 480, 32)
	if err != nil {
		t.Fatalf("map sprite: %v", err)
	}
	defer sprite.Close()
	seals, err := sprite.Seals()
	if err != nil {
		t.Fatal(err)
	}
	if seals != shm.Seals {
		t.Fatalf("sprite seals %#x, want %#x", seals, shm.Seals)
	}

	r.send(&protocol.Ack{Info: protocol.AckEstablished, Ack: true})

	// Only the focused client of the main screen reaches the display, so a
	// copied sync proves the client was attached.
	fill(sprite, 0x5a)
	r.send(&protocol.Sync{Flags: protocol.SyncVblank, Xmin: 0, Ymin: 0, Xmax: 16, Ymax: 1})
	r.expectAck(protocol.AckSyncVsync, true)

	surf := display.Surface()
	if got := pixel(surf.Mem, surf.Stride, 15, 0); got != 0x5a {
		t.Fatalf("display pixel = %#x, want 0x5a", got)
	}
	if got := pixel(surf.Mem, surf.Stride, 16, 0); got != 0 {
		t.Fatalf("pixel outside damage = %#x, want 0", got)
	}
}

func TestRegisterBounds(t *testing.T) {
	_, _, path := startTestServer(t, Config{})
	for _, tc := range []struct {
		name string
		reg  protocol.RegisterSprite
		want protocol.AckInfo
	}{
		{"width", protocol.RegisterSprite{Width: 900, Height: 480, Bpp: 32}, protocol.NackWidth},
		{"zero width", protocol.RegisterSprite{Width: 0, Height: 480, Bpp: 32}, protocol.NackWidth},
		{"height", protocol.RegisterSprite{Width: 640, Height: 601, Bpp: 32}, protocol.NackHeight},
		{"bpp high", protocol.RegisterSprite{Width: 640, Height: 480, Bpp: 64}, protocol.NackBpp},
		{"bpp low", protocol.RegisterSprite{Width: 640, Height: 480, Bpp: 4}, protocol.NackBpp},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := dialRaw(t, path)
			r.servinfo()
			reg := tc.reg
			reg.Name = "bounds"
			r.send(&reg)
			r.expectAck(tc.want, false)
			// No further messages: the rejection ends the connection.
			r.expectClosed()
		})
	}
}

func TestSyncBeforeRegisterDisconnects(t *testing.T) {
	_, display, path := startTestServer(t, Config{})
	r := dialRaw(t, path)
	r.servinfo()

	r.send(&protocol.Sync{Flags: protocol.SyncAsync, Xmin: 10, Ymin: 10, Xmax: 50, Ymax: 50})
	r.expectDisconnect()

	for i, b := range display.Surface().Mem {
		if b != 0 {
			t.Fatalf("display byte %d written: %#x", i, b)
		}
	}
}

func TestHandshakeOrderViolations(t *testing.T) {
	_, _, path := startTestServer(t, Config{})
	register := func(t *testing.T) *rawConn {
		r := dialRaw(t, path)
		r.servinfo()
		r.send(&protocol.RegisterSprite{Name: "order", Width: 64, Height: 64, Bpp: 32})
		r.expectAck(protocol.AckRecvFD, true)
		return r
	}

	t.Run("sync while handshaking", func(t *testing.T) {
		r := register(t)
		r.send(&protocol.Sync{Flags: protocol.SyncAsync, Xmax: 1, Ymax: 1})
		r.expectDisconnect()
	})
	t.Run("established before descriptor", func(t *testing.T) {
		r := register(t)
		r.send(&protocol.Ack{Info: protocol.AckEstablished, Ack: true})
		r.expectDisconnect()
	})
	t.Run("second register", func(t *testing.T) {
		r := register(t)
		r.send(&protocol.RegisterSprite{Name: "again", Width: 64, Height: 64, Bpp: 32})
		r.expectDisconnect()
	})
	t.Run("ack before register", func(t *testing.T) {
		r := dialRaw(t, path)
		r.servinfo()
		r.send(&protocol.Ack{Info: protocol.AckSendFD, Ack: true})
		r.expectDisconnect()
	})
}

func TestSyncOutOfBoundsDisconnects(t *testing.T) {
	_, _, path := startTestServer(t, Config{})
	c := dialClient(t, path, 64, 64)
	if err := c.Sync(protocol.SyncAsync, 0, 0, 65, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := c.NextMessage(waitLimit); !errors.Is(err, sprclient.ErrDisconnected) {
		t.Fatalf("expected disconnect, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, _, path := startTestServer(t, Config{HandshakeTimeout: 100 * time.Millisecond})
	r := dialRaw(t, path)
	r.servinfo()
	start := time.Now()
	r.expectDisconnect()
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("disconnected before the handshake deadline")
	}
}

func TestAsyncSyncCopiesAlignedDamage(t *testing.T) {
	_, display, path := startTestServer(t, Config{})
	c := dialClient(t, path, 128, 64)
	fill(c.Sprite(), 0xab)

	if err := c.Sync(protocol.SyncAsync, 10, 10, 50, 50); err != nil {
		t.Fatal(err)
	}
	fence(t, c)

	surf := display.Surface()
	for _, tc := range []struct {
		x, y int
		want byte
	}{
		{20, 20, 0xab},
		{0, 10, 0xab},  // rounded down to the grid
		{63, 49, 0xab}, // rounded up to the grid
		{64, 20, 0},
		{20, 9, 0},
		{20, 50, 0},
	} {
		if got := pixel(surf.Mem, surf.Stride, tc.x, tc.y); got != tc.want {
			t.Errorf("pixel (%d,%d) = %#x, want %#x", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestOnlyFocusedClientReachesDisplay(t *testing.T) {
	_, display, path := startTestServer(t, Config{})
	first := dialClient(t, path, 64, 64)
	second := dialClient(t, path, 64, 64)
	fill(first.Sprite(), 0x11)
	fill(second.Sprite(), 0x22)

	if err := second.Sync(protocol.SyncVblank, 0, 0, 64, 64); err != nil {
		t.Fatal(err)
	}
	if err := second.WaitVsync(waitLimit); err != nil {
		t.Fatalf("unfocused client still gets vsync acks: %v", err)
	}
	surf := display.Surface()
	if got := pixel(surf.Mem, surf.Stride, 1, 1); got != 0 {
		t.Fatalf("unfocused client reached the display: %#x", got)
	}

	if err := first.Sync(protocol.SyncAsync, 0, 0, 64, 64); err != nil {
		t.Fatal(err)
	}
	fence(t, first)
	if got := pixel(surf.Mem, surf.Stride, 1, 1); got != 0x11 {
		t.Fatalf("focused client pixel = %#x, want 0x11", got)
	}

	// Losing the focused client moves focus to the next screen, which is
	// redrawn and told to redraw.
	first.Close()
	msg, err := second.NextMessage(waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	in, ok := msg.(*protocol.Input)
	if !ok || in.Type != protocol.InputCtrl || in.Code != protocol.CtrlResync {
		t.Fatalf("expected resync, got %#v", msg)
	}
	if got := pixel(surf.Mem, surf.Stride, 1, 1); got != 0x22 {
		t.Fatalf("resynced pixel = %#x, want 0x22", got)
	}
}

func TestVtSwitch(t *testing.T) {
	s, display, path := startTestServer(t, Config{})
	c := dialClient(t, path, 64, 64)
	fill(c.Sprite(), 0x33)

	s.Notify(VtRelease)
	if err := c.Sync(protocol.SyncVblank, 0, 0, 64, 64); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitVsync(waitLimit); err != nil {
		t.Fatal(err)
	}
	surf := display.Surface()
	if got := pixel(surf.Mem, surf.Stride, 1, 1); got != 0 {
		t.Fatalf("display written while released: %#x", got)
	}

	s.Notify(VtAcquire)
	msg, err := c.NextMessage(waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	if in, ok := msg.(*protocol.Input); !ok || in.Code != protocol.CtrlResync {
		t.Fatalf("expected resync after acquire, got %#v", msg)
	}
	if got := pixel(surf.Mem, surf.Stride, 1, 1); got != 0x33 {
		t.Fatalf("pixel after acquire = %#x, want 0x33", got)
	}
}

func TestDirectShm(t *testing.T) {
	_, display, path := startTestServer(t, Config{})

	c, err := sprclient.Dial(path, waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	sprite, err := c.Register("direct", testWidth, testHeight, protocol.SpriteDirectShm)
	if err != nil {
		t.Fatalf("register direct: %v", err)
	}
	fence(t, c)

	sprite.Bytes()[0] = 0x77
	if got := display.Surface().Mem[0]; got != 0x77 {
		t.Fatalf("direct sprite is not display memory: %#x", got)
	}

	other, err := sprclient.Dial(path, waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	_, err = other.Register("direct2", testWidth, testHeight, protocol.SpriteDirectShm)
	var rej *sprclient.RejectedError
	if !errors.As(err, &rej) || rej.Reason != protocol.NackShmem {
		t.Fatalf("second direct client: %v", err)
	}

	partial, err := sprclient.Dial(path, waitLimit)
	if err != nil {
		t.Fatal(err)
	}
	defer partial.Close()
	_, err = partial.Register("small", 64, 64, protocol.SpriteDirectShm)
	if !errors.As(err, &rej) || rej.Reason != protocol.NackShmem {
		t.Fatalf("partial-screen direct client: %v", err)
	}
}

func TestClientsAreIsolated(t *testing.T) {
	_, _, path := startTestServer(t, Config{})
	good := dialClient(t, path, 64, 64)

	bad := dialRaw(t, path)
	bad.servinfo()
	// Garbage header: unknown message type.
	if _, err := unix.Write(bad.fd, []byte{0xee, 0xee, 0, 0}); err != nil {
		t.Fatal(err)
	}
	bad.expectDisconnect()

	fence(t, good)
}

func TestListenInUse(t *testing.T) {
	_, _, path := startTestServer(t, Config{})
	display, err := fb.NewMemory(64, 64, 60)
	if err != nil {
		t.Fatal(err)
	}
	defer display.Close()

	s := New(Config{SocketPath: path, Devices: DeviceConfig{Disabled: true}}, display, quietLog())
	err = s.Run(context.Background())
	if !errors.Is(err, transport.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
}
