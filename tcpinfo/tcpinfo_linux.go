// SPDX-License-Identifier: MPL-2.0

//go:build linux

package tcpinfo

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

func get(conn *net.TCPConn) (*Info, error) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return nil, fmt.Errorf("tcpinfo: no fd for connection")
	}

	ti, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return nil, fmt.Errorf("tcpinfo: TCP_INFO: %w", err)
	}
	sndbuf, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return nil, fmt.Errorf("tcpinfo: SO_SNDBUF: %w", err)
	}
	queued, err := unix.IoctlGetInt(fd, unix.TIOCOUTQ)
	if err != nil {
		return nil, fmt.Errorf("tcpinfo: TIOCOUTQ: %w", err)
	}

	left := sndbuf*3/4 - queued
	if left < 0 {
		left = 0
	}

	return &Info{
		RTT:          ti.Rtt,
		RTTVar:       ti.Rttvar,
		LastDataSent: ti.Last_data_sent,
		SndCwnd:      ti.Snd_cwnd,
		SndBufSize:   uint32(sndbuf),
		SndBufLeft:   uint32(left),
	}, nil
}
