//go:build linux || darwin

package dds

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenMulticast binds the group port with address and port reuse, so
// every participant on the host receives discovery traffic, then joins
// the group on the default interface.
func listenMulticast(group *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reusePort}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", group.Port, err)
	}
	conn := pc.(*net.UDPConn)

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()

		return nil, err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], group.IP.To4())
		opErr = unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("join %s: %w", group.IP, err)
	}

	return conn, nil
}

func reusePort(_, _ string, c syscall.RawConn) error {
	var opErr error

	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}

	return opErr
}
