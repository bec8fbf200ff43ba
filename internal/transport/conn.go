package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
)

const (
	// DefaultDir holds one socket per server instance.
	DefaultDir = "/tmp/spr16"
	// DefaultName is the socket name when none is configured.
	DefaultName = "spr16-0"

	listenBacklog = 16
)

// ErrInUse is returned when another server already answers on the path.
var ErrInUse = errors.New("socket already in use")

// ErrNotSocket is returned when the socket path is taken by something
// other than a socket. It is never removed.
var ErrNotSocket = errors.New("path exists and is not a socket")

// SocketPath joins a socket directory and instance name.
func SocketPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(dir, name)
}

// Listener is a nonblocking Unix stream listener. The socket is created
// world connectable: filesystem permissions are the only access control.
type Listener struct {
	fd   int
	path string
}

// Listen binds a Unix stream socket at path. A stale socket left behind by
// a dead server is removed; a live one is reported as ErrInUse.
func Listen(path string) (*Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrNotSocket)
		}
		if fd, err := Dial(path); err == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: %w", path, ErrInUse)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Listener{fd: fd, path: path}, nil
}

// Fd returns the listening descriptor for readiness polling.
func (l *Listener) Fd() int {
	return l.fd
}

// Path returns the filesystem path of the socket.
func (l *Listener) Path() string {
	return l.path
}

// Accept returns the next pending connection as a nonblocking descriptor,
// or protocol.ErrWouldBlock when none is pending.
func (l *Listener) Accept() (int, error) {
	for range ioRetries {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return -1, protocol.ErrWouldBlock
		case err != nil:
			return -1, fmt.Errorf("accept: %w", err)
		}
		return fd, nil
	}
	return -1, protocol.ErrWouldBlock
}

// Close shuts down the listener and unlinks its path.
func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return err
}

// Dial connects to the server socket at path and returns a nonblocking
// descriptor.
func Dial(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	for range ioRetries {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}
