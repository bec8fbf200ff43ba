// Package fb provides the display framebuffer the server copies sprites
// into, together with the vblank event source that paces synchronised
// copies.
package fb

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/damage"
)

// DefaultRefresh is the vblank rate when none is configured.
const DefaultRefresh = 60

// ErrNoExport is returned by providers whose memory cannot be handed to a
// client for direct rendering.
var ErrNoExport = errors.New("framebuffer memory cannot be exported")

// Info is the display geometry announced to clients in SERVINFO.
type Info struct {
	Width  int
	Height int
	Bpp    int
	Stride int
}

// Provider is a framebuffer resource. The server is its only writer,
// except for a direct-shm client rendering into exported memory.
type Provider interface {
	Info() Info
	// Surface is the writable display memory.
	Surface() damage.Surface
	// VblankFd becomes readable at each vertical blank.
	VblankFd() int
	// AckVblank consumes pending vblank events and returns how many
	// elapsed since the last call.
	AckVblank() (uint64, error)
	// ExportFd returns a new descriptor for the display memory object, or
	// ErrNoExport.
	ExportFd() (int, error)
	Close() error
}

// vblankTimer is a periodic timerfd standing in for a display's vblank
// notification.
type vblankTimer struct {
	fd int
}

func newVblankTimer(refresh int) (*vblankTimer, error) {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	period := unix.NsecToTimespec(int64(time.Second) / int64(refresh))
	spec := unix.ItimerSpec{Interval: period, Value: period}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	return &vblankTimer{fd: fd}, nil
}

func (v *vblankTimer) ack() (uint64, error) {
	var buf [8]byte
	for range 8 {
		n, err := unix.Read(v.fd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("read vblank timer: %w", err)
		case n != len(buf):
			return 0, fmt.Errorf("short vblank timer read: %d bytes", n)
		}
		return hostOrder.Uint64(buf[:]), nil
	}
	return 0, nil
}

func (v *vblankTimer) close() error {
	return unix.Close(v.fd)
}
