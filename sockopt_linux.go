//go:build linux

/* usbip-vhci-go - USB/IP virtual host controller client core */

package main

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setTCPKeepaliveOptions sets TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT on
// conn's underlying socket via SyscallConn, the per-OS raw-option
// knobs net.TCPConn.SetKeepAlivePeriod can't reach on its own.
func setTCPKeepaliveOptions(conn *net.TCPConn, idle, intvl time.Duration, count int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds()))
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(intvl.Seconds()))
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
	})
	if err != nil {
		return err
	}
	return opErr
}
