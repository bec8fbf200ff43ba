package transport

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronologos/spr16/internal/protocol"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func memfd(t *testing.T, content string) int {
	t.Helper()
	fd, err := unix.MemfdCreate("transport-test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(fd, []byte(content)); err != nil {
		t.Fatal(err)
	}
	return fd
}

func TestSendRecvFD(t *testing.T) {
	a, b := socketPair(t)
	fd := memfd(t, "shared")
	defer unix.Close(fd)

	if err := SendFD(a, fd); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := RecvFD(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	defer unix.Close(got)

	buf := make([]byte, 6)
	if _, err := unix.Pread(got, buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "shared" {
		t.Fatalf("received descriptor reads %q, want %q", buf, "shared")
	}
}

func TestRecvFDRejectsPlainByte(t *testing.T) {
	a, b := socketPair(t)
	if _, err := unix.Write(a, []byte{fdSentinel}); err != nil {
		t.Fatal(err)
	}
	if _, err := RecvFD(b); !errors.Is(err, ErrBadControl) {
		t.Fatalf("expected ErrBadControl, got %v", err)
	}
}

func TestRecvFDRejectsWrongSentinel(t *testing.T) {
	a, b := socketPair(t)
	fd := memfd(t, "x")
	defer unix.Close(fd)

	if err := unix.Sendmsg(a, []byte{'X'}, unix.UnixRights(fd), nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := RecvFD(b); !errors.Is(err, ErrBadControl) {
		t.Fatalf("expected ErrBadControl, got %v", err)
	}
}

func TestRecvFDRejectsTwoDescriptors(t *testing.T) {
	a, b := socketPair(t)
	fd1 := memfd(t, "1")
	fd2 := memfd(t, "2")
	defer unix.Close(fd1)
	defer unix.Close(fd2)

	if err := unix.Sendmsg(a, []byte{fdSentinel}, unix.UnixRights(fd1, fd2), nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := RecvFD(b); !errors.Is(err, ErrBadControl) {
		t.Fatalf("expected ErrBadControl, got %v", err)
	}
}

func TestRecvFDWouldBlock(t *testing.T) {
	_, b := socketPair(t)
	if err := unix.SetNonblock(b, true); err != nil {
		t.Fatal(err)
	}
	if _, err := RecvFD(b); !errors.Is(err, protocol.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestListenDialAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spr16-test")
	ln, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o777 {
		t.Fatalf("socket mode %v, want world accessible", st.Mode().Perm())
	}

	if _, err := ln.Accept(); !errors.Is(err, protocol.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock with no client, got %v", err)
	}

	cfd, err := Dial(path)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(cfd)

	if err := WaitReadable(ln.Fd(), time.Second); err != nil {
		t.Fatal(err)
	}
	sfd, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(sfd)

	if err := protocol.WriteMessage(sfd, &protocol.ServInfo{Width: 1, Height: 2, Bpp: 32}); err != nil {
		t.Fatal(err)
	}
	if err := WaitReadable(cfd, time.Second); err != nil {
		t.Fatal(err)
	}
	var got []any
	if err := Drain(cfd, protocol.NewBatch(0), func(_ protocol.Header, m any) error {
		got = append(got, m)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("drained %d messages, want 1", len(got))
	}
}

func TestListenInUseAndStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spr16-test")
	ln, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Listen(path); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	// Leave a dead socket file behind.
	unix.Close(ln.fd)

	ln2, err := Listen(path)
	if err != nil {
		t.Fatalf("stale socket not recovered: %v", err)
	}
	ln2.Close()
}

func TestListenKeepsNonSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spr16-test")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Listen(path); !errors.Is(err, ErrNotSocket) {
		t.Fatalf("expected ErrNotSocket, got %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "data" {
		t.Fatalf("regular file was touched: %q, %v", got, err)
	}
}

func TestWaitReadableTimeout(t *testing.T) {
	a, _ := socketPair(t)
	start := time.Now()
	if err := WaitReadable(a, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned before timeout")
	}
}

func TestSocketPathDefaults(t *testing.T) {
	if got := SocketPath("", ""); got != filepath.Join(DefaultDir, DefaultName) {
		t.Fatalf("SocketPath defaults = %q", got)
	}
	if got := SocketPath("/run/x", "spr16-1"); got != "/run/x/spr16-1" {
		t.Fatalf("SocketPath = %q", got)
	}
}
