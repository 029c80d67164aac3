//go:build !linux

/* usbip-vhci-go - USB/IP virtual host controller client core */

package main

import (
	"net"
	"time"
)

// setTCPKeepaliveOptions is a no-op outside Linux: intvl/count have no
// portable syscall-level equivalent, so these platforms get only the
// single idle period already applied by SetKeepAlivePeriod.
func setTCPKeepaliveOptions(conn *net.TCPConn, idle, intvl time.Duration, count int) error {
	return nil
}
