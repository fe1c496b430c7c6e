//go:build !linux && !darwin

package dds

import (
	"fmt"
	"net"
)

func listenMulticast(group *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", group, err)
	}

	return conn, nil
}
