package fb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/damage"
)

// DefaultFbdev is the console framebuffer device.
const DefaultFbdev = "/dev/fb0"

const (
	fbiogetVscreeninfo = 0x4600
	fbiogetFscreeninfo = 0x4602
)

// fbBitfield mirrors struct fb_bitfield.
type fbBitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

// varScreeninfo mirrors struct fb_var_screeninfo.
type varScreeninfo struct {
	Xres, Yres               uint32
	XresVirtual, YresVirtual uint32
	Xoffset, Yoffset         uint32
	BitsPerPixel             uint32
	Grayscale                uint32
	Red, Green, Blue, Transp fbBitfield
	Nonstd                   uint32
	Activate                 uint32
	Height, Width            uint32
	AccelFlags               uint32
	Pixclock                 uint32
	LeftMargin, RightMargin  uint32
	UpperMargin, LowerMargin uint32
	HsyncLen, VsyncLen       uint32
	Sync, Vmode              uint32
	Rotate                   uint32
	Colorspace               uint32
	Reserved                 [4]uint32
}

// fixScreeninfo mirrors struct fb_fix_screeninfo.
type fixScreeninfo struct {
	ID           [16]byte
	SmemStart    uintptr
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	Xpanstep     uint16
	Ypanstep     uint16
	Ywrapstep    uint16
	LineLength   uint32
	MmioStart    uintptr
	MmioLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
}

// Fbdev is a Linux fbdev console framebuffer. The kernel offers no
// pollable vblank event for fbdev, so copies are paced by a timer.
type Fbdev struct {
	fd    int
	mem   []byte
	info  Info
	timer *vblankTimer
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// OpenFbdev maps the framebuffer device at path. Only 32bpp modes are
// supported.
func OpenFbdev(path string, refresh int) (*Fbdev, error) {
	if path == "" {
		path = DefaultFbdev
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var vinfo varScreeninfo
	if err := ioctl(fd, fbiogetVscreeninfo, unsafe.Pointer(&vinfo)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("FBIOGET_VSCREENINFO: %w", err)
	}
	var finfo fixScreeninfo
	if err := ioctl(fd, fbiogetFscreeninfo, unsafe.Pointer(&finfo)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("FBIOGET_FSCREENINFO: %w", err)
	}
	if vinfo.BitsPerPixel != 32 {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %d bpp mode: %w", path, vinfo.BitsPerPixel, damage.ErrUnsupportedBpp)
	}

	info := Info{
		Width:  int(vinfo.Xres),
		Height: int(vinfo.Yres),
		Bpp:    int(vinfo.BitsPerPixel),
		Stride: int(finfo.LineLength),
	}
	size := int(finfo.SmemLen)
	if need := info.Stride * info.Height; size < need {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: smem_len %d smaller than %d", path, size, need)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	timer, err := newVblankTimer(refresh)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}
	return &Fbdev{fd: fd, mem: mem, info: info, timer: timer}, nil
}

func (f *Fbdev) Info() Info { return f.info }

func (f *Fbdev) Surface() damage.Surface {
	return damage.Surface{
		Mem:    f.mem,
		Width:  f.info.Width,
		Height: f.info.Height,
		Stride: f.info.Stride,
		Bpp:    f.info.Bpp,
	}
}

func (f *Fbdev) VblankFd() int { return f.timer.fd }

func (f *Fbdev) AckVblank() (uint64, error) { return f.timer.ack() }

func (f *Fbdev) ExportFd() (int, error) { return -1, ErrNoExport }

func (f *Fbdev) Close() error {
	f.timer.close()
	unix.Munmap(f.mem)
	return unix.Close(f.fd)
}
