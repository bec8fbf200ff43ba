package client

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
	"github.com/chronologos/spr16/internal/shm"
	"github.com/chronologos/spr16/internal/transport"
)

const testWait = 2 * time.Second

// peer is the server end of a scripted test connection.
type peer struct {
	fd    int
	batch *protocol.Batch
	queue []any
}

func (p *peer) send(msg any) error {
	return protocol.WriteMessage(p.fd, msg)
}

func (p *peer) next() (any, error) {
	for len(p.queue) == 0 {
		if err := transport.WaitReadable(p.fd, testWait); err != nil {
			return nil, err
		}
		_, err := p.batch.Read(p.fd)
		if errors.Is(err, protocol.ErrWouldBlock) {
			continue
		}
		if err != nil {
			return nil, err
		}
		err = protocol.Dispatch(p.batch.Bytes(), func(_ protocol.Header, m any) error {
			p.queue = append(p.queue, m)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	m := p.queue[0]
	p.queue = p.queue[1:]
	return m, nil
}

func (p *peer) expectAck(info protocol.AckInfo, ack bool) error {
	m, err := p.next()
	if err != nil {
		return err
	}
	a, ok := m.(*protocol.Ack)
	if !ok || a.Info != info || a.Ack != ack {
		return fmt.Errorf("got %#v, want ack %s", m, info)
	}
	return nil
}

// fakeServer accepts one connection, sends SERVINFO and hands the
// connection to script. The script's result is returned by the wait
// function.
func fakeServer(t *testing.T, script func(p *peer) error) (path string, wait func() error) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "fake")
	ln, err := transport.Listen(path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		if err := transport.WaitReadable(ln.Fd(), testWait); err != nil {
			done <- err
			return
		}
		fd, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer unix.Close(fd)
		p := &peer{fd: fd, batch: protocol.NewBatch(0)}
		if err := p.send(&protocol.ServInfo{Width: 320, Height: 240, Bpp: 32}); err != nil {
			done <- err
			return
		}
		done <- script(p)
	}()

	return path, func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("fake server did not finish")
		}
	}
}

// serveSprite runs the server side of a successful registration and
// returns the server's view of the sprite.
func serveSprite(p *peer, width, height int) (*shm.Buffer, error) {
	m, err := p.next()
	if err != nil {
		return nil, err
	}
	reg, ok := m.(*protocol.RegisterSprite)
	if !ok {
		return nil, fmt.Errorf("expected register, got %#v", m)
	}
	if int(reg.Width) != width || int(reg.Height) != height || reg.Bpp != protocol.BPP {
		return nil, fmt.Errorf("unexpected register %+v", reg)
	}
	buf, err := shm.Create("client-test", width, height, protocol.BPP)
	if err != nil {
		return nil, err
	}
	if err := p.send(&protocol.Ack{Info: protocol.AckRecvFD, Ack: true}); err != nil {
		buf.Close()
		return nil, err
	}
	if err := p.expectAck(protocol.AckSendFD, true); err != nil {
		buf.Close()
		return nil, err
	}
	if err := transport.SendFD(p.fd, buf.Fd()); err != nil {
		buf.Close()
		return nil, err
	}
	if err := p.expectAck(protocol.AckEstablished, true); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

func TestDialReadsServInfo(t *testing.T) {
	path, wait := fakeServer(t, func(p *peer) error {
		return p.expectAck(protocol.NackDisconnect, false)
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	assert.Equal(t, protocol.ServInfo{Width: 320, Height: 240, Bpp: 32}, c.ServInfo())
	assert.Nil(t, c.Sprite())

	require.NoError(t, c.Close())
	require.NoError(t, wait())
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nobody"), testWait)
	require.Error(t, err)
}

func TestRegisterSharesMemory(t *testing.T) {
	shared := make(chan *shm.Buffer, 1)
	path, wait := fakeServer(t, func(p *peer) error {
		buf, err := serveSprite(p, 64, 32)
		if err != nil {
			return err
		}
		defer buf.Close()
		buf.Bytes()[0] = 0x42
		shared <- buf

		m, err := p.next()
		if err != nil {
			return err
		}
		s, ok := m.(*protocol.Sync)
		if !ok {
			return fmt.Errorf("expected sync, got %#v", m)
		}
		want := protocol.Sync{Flags: protocol.SyncVblank, Xmin: 1, Ymin: 2, Xmax: 30, Ymax: 20}
		if *s != want {
			return fmt.Errorf("sync %+v, want %+v", *s, want)
		}
		if err := p.send(&protocol.Input{Type: protocol.InputKey, Code: 30, Val: protocol.KeyDown}); err != nil {
			return err
		}
		if err := p.send(&protocol.Ack{Info: protocol.AckSyncVsync, Ack: true}); err != nil {
			return err
		}
		return p.expectAck(protocol.NackDisconnect, false)
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	sprite, err := c.Register("shared", 64, 32, 0)
	require.NoError(t, err)
	assert.Same(t, sprite, c.Sprite())
	assert.Equal(t, 64*4, sprite.Stride())

	<-shared
	assert.Equal(t, byte(0x42), sprite.Bytes()[0], "mapping is the server's memory")

	_, err = c.Register("again", 64, 32, 0)
	require.Error(t, err)

	require.NoError(t, c.Sync(protocol.SyncVblank, 1, 2, 30, 20))
	require.NoError(t, c.WaitVsync(testWait))

	// Input that arrived before the vsync ack is still delivered.
	msg, err := c.NextMessage(testWait)
	require.NoError(t, err)
	in, ok := msg.(*protocol.Input)
	require.True(t, ok, "got %#v", msg)
	assert.Equal(t, uint16(30), in.Code)

	require.NoError(t, c.Close())
	require.NoError(t, wait())
}

func TestRegisterRejected(t *testing.T) {
	path, wait := fakeServer(t, func(p *peer) error {
		if _, err := p.next(); err != nil {
			return err
		}
		return p.send(&protocol.Ack{Info: protocol.NackWidth, Ack: false})
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Register("wide", 1000, 10, 0)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.NackWidth, rej.Reason)
	assert.Contains(t, err.Error(), "rejected")
	require.NoError(t, wait())
}

func TestRegisterUnexpectedAck(t *testing.T) {
	path, wait := fakeServer(t, func(p *peer) error {
		if _, err := p.next(); err != nil {
			return err
		}
		return p.send(&protocol.Ack{Info: protocol.AckEstablished, Ack: true})
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Register("odd", 10, 10, 0)
	require.ErrorIs(t, err, ErrUnexpected)
	require.NoError(t, wait())
}

func TestDisconnect(t *testing.T) {
	path, wait := fakeServer(t, func(p *peer) error {
		return p.send(&protocol.Ack{Info: protocol.NackDisconnect, Ack: false})
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.NextMessage(testWait)
	require.ErrorIs(t, err, ErrDisconnected)
	require.NoError(t, wait())

	// The fake server has hung up by now.
	_, err = c.NextMessage(testWait)
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestWaitVsyncTimeout(t *testing.T) {
	release := make(chan struct{})
	path, wait := fakeServer(t, func(p *peer) error {
		<-release
		return nil
	})

	c, err := Dial(path, testWait)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	err = c.WaitVsync(50 * time.Millisecond)
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	close(release)
	require.NoError(t, wait())
}
