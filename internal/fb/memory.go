package fb

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/damage"
	"github.com/chronologos/spr16/internal/shm"
)

var hostOrder = binary.NativeEndian

// Memory is a headless framebuffer backed by a sealed memfd. Its memory
// can be exported to a direct-shm client.
type Memory struct {
	buf   *shm.Buffer
	timer *vblankTimer
}

// NewMemory allocates a 32bpp width x height framebuffer with a vblank
// timer at refresh Hz.
func NewMemory(width, height, refresh int) (*Memory, error) {
	buf, err := shm.Create("spr16-fb", width, height, 32)
	if err != nil {
		return nil, fmt.Errorf("allocate framebuffer: %w", err)
	}
	timer, err := newVblankTimer(refresh)
	if err != nil {
		buf.Close()
		return nil, err
	}
	return &Memory{buf: buf, timer: timer}, nil
}

func (m *Memory) Info() Info {
	return Info{
		Width:  m.buf.Width(),
		Height: m.buf.Height(),
		Bpp:    m.buf.Bpp(),
		Stride: m.buf.Stride(),
	}
}

func (m *Memory) Surface() damage.Surface {
	return damage.Surface{
		Mem:    m.buf.Bytes(),
		Width:  m.buf.Width(),
		Height: m.buf.Height(),
		Stride: m.buf.Stride(),
		Bpp:    m.buf.Bpp(),
	}
}

func (m *Memory) VblankFd() int { return m.timer.fd }

func (m *Memory) AckVblank() (uint64, error) { return m.timer.ack() }

// ExportFd duplicates the framebuffer memfd.
func (m *Memory) ExportFd() (int, error) {
	fd, err := unix.FcntlInt(uintptr(m.buf.Fd()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup framebuffer: %w", err)
	}
	return fd, nil
}

func (m *Memory) Close() error {
	terr := m.timer.close()
	if err := m.buf.Close(); err != nil {
		return err
	}
	return terr
}
