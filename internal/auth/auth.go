// Package auth identifies the process on the other end of a local socket.
//
// The display socket is world connectable, so there is no handshake secret.
// Peer credentials are read from the kernel at accept time and recorded for
// the connection's log lines.
package auth

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Peer is the credential triple the kernel recorded when the peer connected.
type Peer struct {
	PID int32
	UID uint32
	GID uint32
}

func (p Peer) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", p.PID, p.UID, p.GID)
}

// PeerCredentials returns the SO_PEERCRED credentials of a connected Unix
// socket.
func PeerCredentials(fd int) (Peer, error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Peer{}, fmt.Errorf("peer credentials: %w", err)
	}
	return Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}

// SameUser reports whether the peer runs as the server's effective user.
func (p Peer) SameUser() bool {
	return int(p.UID) == unix.Geteuid()
}
