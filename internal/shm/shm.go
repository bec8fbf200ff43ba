// Package shm manages the sealed shared-memory objects that back sprites.
//
// A buffer is an anonymous memfd truncated to exactly width*height*bpp/8
// bytes, mapped read-write, then sealed so that neither side can resize it.
// The seal state is read back after sealing and a mismatch is an error.
package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Seals is the exact seal set every buffer carries.
const Seals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL

var (
	// ErrSeal reports that the seals read back differ from those applied.
	ErrSeal = errors.New("shared memory seal mismatch")
	// ErrSize reports invalid dimensions or an object of the wrong size.
	ErrSize = errors.New("invalid shared memory size")
)

// Buffer is a mapped shared-memory object. The owner holds the descriptor;
// Close unmaps and closes it.
type Buffer struct {
	fd     int
	mem    []byte
	width  int
	height int
	bpp    int
}

// Size returns the byte size of a width x height surface at bpp bits per
// pixel.
func Size(width, height, bpp int) (int, error) {
	if width <= 0 || height <= 0 || bpp <= 0 || bpp%8 != 0 {
		return 0, fmt.Errorf("%w: %dx%d@%d", ErrSize, width, height, bpp)
	}
	return width * height * (bpp / 8), nil
}

// Create allocates, maps and seals a new buffer. Any failure releases
// everything allocated so far.
func Create(name string, width, height, bpp int) (*Buffer, error) {
	size, err := Size(width, height, bpp)
	if err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	b := &Buffer{fd: fd, mem: mem, width: width, height: height, bpp: bpp}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, Seals); err != nil {
		b.Close()
		return nil, fmt.Errorf("add seals: %w", err)
	}
	got, err := b.Seals()
	if err != nil {
		b.Close()
		return nil, err
	}
	if got != Seals {
		b.Close()
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrSeal, got, Seals)
	}
	return b, nil
}

// Map maps a buffer received from a peer. The object must be exactly the
// size the dimensions imply. Map takes ownership of fd, including on error.
func Map(fd, width, height, bpp int) (*Buffer, error) {
	size, err := Size(width, height, bpp)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Size != int64(size) {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: object is %d bytes, want %d", ErrSize, st.Size, size)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Buffer{fd: fd, mem: mem, width: width, height: height, bpp: bpp}, nil
}

// Seals reads back the current seal set.
func (b *Buffer) Seals() (int, error) {
	seals, err := unix.FcntlInt(uintptr(b.fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("get seals: %w", err)
	}
	return seals, nil
}

// Fd returns the memory object descriptor.
func (b *Buffer) Fd() int { return b.fd }

// Bytes returns the mapping. It is invalid after Close.
func (b *Buffer) Bytes() []byte { return b.mem }

func (b *Buffer) Width() int  { return b.width }
func (b *Buffer) Height() int { return b.height }
func (b *Buffer) Bpp() int    { return b.bpp }

// Stride returns the length of one row in bytes.
func (b *Buffer) Stride() int { return b.width * (b.bpp / 8) }

// Close unmaps the buffer and closes its descriptor. It is safe to call
// more than once.
func (b *Buffer) Close() error {
	var err error
	if b.mem != nil {
		err = unix.Munmap(b.mem)
		b.mem = nil
	}
	if b.fd >= 0 {
		if cerr := unix.Close(b.fd); err == nil {
			err = cerr
		}
		b.fd = -1
	}
	return err
}
