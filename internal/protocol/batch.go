package protocol

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// DefaultBatchSize is the read size of one batch.
const DefaultBatchSize = 1024

// readRetries bounds EINTR retries for a single read call.
const readRetries = 8

// Batch is a per-connection read buffer. A read fills at most size bytes;
// the trailing MaxMessageSize bytes are reserved for topping up a message
// the read cut short. No bytes are carried between calls.
type Batch struct {
	buf  []byte
	size int
	n    int
}

// NewBatch creates a batch that reads size bytes at a time.
func NewBatch(size int) *Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batch{
		buf:  make([]byte, size+MaxMessageSize),
		size: size,
	}
}

// Bytes returns the messages read by the last Read.
func (b *Batch) Bytes() []byte {
	return b.buf[:b.n]
}

// Read performs one read of up to the batch size. If the read fills the
// buffer, the header walk is replayed to find a final message the read cut
// short, and exactly the missing bytes are read into the reserved tail.
// A follow-up read that comes back short means the peer truncated the
// stream and is reported as ErrTruncated.
func (b *Batch) Read(fd int) (int, error) {
	b.n = 0
	n, err := readRetry(fd, b.buf[:b.size])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	b.n = n

	for {
		need, err := Missing(b.buf[:b.n])
		if err != nil {
			return 0, err
		}
		if need == 0 {
			return b.n, nil
		}
		if n < b.size {
			// A short read never cuts a message written in one call.
			return 0, fmt.Errorf("%w: %d bytes missing after short read", ErrTruncated, need)
		}
		if b.n+need > len(b.buf) {
			return 0, fmt.Errorf("%w: top-up exceeds reserved space", ErrProtocol)
		}
		if err := readExact(fd, b.buf[b.n:b.n+need]); err != nil {
			return 0, err
		}
		b.n += need
	}
}

// Missing walks b header by header and returns how many bytes the final
// message still needs. A cut inside a header reports only the missing
// header bytes; the payload length is known once the header is complete.
func Missing(b []byte) (int, error) {
	off := 0
	for off < len(b) {
		rest := len(b) - off
		if rest < HeaderSize {
			return HeaderSize - rest, nil
		}
		h, _ := ParseHeader(b[off:])
		size, err := PayloadSize(h.Type)
		if err != nil {
			return 0, err
		}
		if rest < HeaderSize+size {
			return HeaderSize + size - rest, nil
		}
		off += HeaderSize + size
	}
	return 0, nil
}

func readRetry(fd int, p []byte) (int, error) {
	for range readRetries {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
	return 0, ErrWouldBlock
}

// readExact reads exactly len(p) bytes in one read, retrying only on EINTR.
func readExact(fd int, p []byte) error {
	for range readRetries {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			return err
		}
		if n != len(p) {
			return fmt.Errorf("%w: top-up read %d of %d bytes", ErrTruncated, max(n, 0), len(p))
		}
		return nil
	}
	return fmt.Errorf("%w: top-up read interrupted", ErrTruncated)
}

// Dispatch walks buf header by header and calls fn for each message. The
// whole batch is bounds-checked before the first call, so a corrupt batch
// is never partially processed.
func Dispatch(buf []byte, fn func(Header, any) error) error {
	if err := validate(buf); err != nil {
		return err
	}
	for off := 0; off < len(buf); {
		h, _ := ParseHeader(buf[off:])
		size, _ := PayloadSize(h.Type)
		msg, err := Decode(h, buf[off+HeaderSize:off+HeaderSize+size])
		if err != nil {
			return err
		}
		if err := fn(h, msg); err != nil {
			return err
		}
		off += HeaderSize + size
	}
	return nil
}

func validate(buf []byte) error {
	for off := 0; off < len(buf); {
		h, err := ParseHeader(buf[off:])
		if err != nil {
			return err
		}
		size, err := PayloadSize(h.Type)
		if err != nil {
			return err
		}
		if off+HeaderSize+size > len(buf) {
			return fmt.Errorf("%w: %s payload runs past batch end", ErrTruncated, h.Type)
		}
		off += HeaderSize + size
	}
	return nil
}
