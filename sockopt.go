/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * TCP keepalive tuning for the connection to the remote usbipd
 */

package main

import "net"

// setTCPKeepalive enables keepalive on conn and applies Conf's idle/
// interval/count parameters, falling back to the stdlib's single
// "period" knob where the platform offers no finer control. Errors are
// non-fatal: a connection with stock keepalive settings still works,
// it just detects a dead peer later than configured.
func setTCPKeepalive(conn net.Conn) {
	tcpconn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	tcpconn.SetKeepAlive(true)
	tcpconn.SetKeepAlivePeriod(Conf.TCPKeepIdle)

	if err := setTCPKeepaliveOptions(tcpconn, Conf.TCPKeepIdle, Conf.TCPKeepIntvl, Conf.TCPKeepCount); err != nil {
		Log.Debug(' ', "tcp keepalive: %s", err)
	}
}
