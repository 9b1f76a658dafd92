// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package tcpinfo

import "net"

func get(conn *net.TCPConn) (*Info, error) {
	return nil, ErrUnsupported
}
