//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris

/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Logging, system-dependent part for UNIX
 */

package main

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// logIsAtty returns true, if os.File refers to a terminal
func logIsAtty(file *os.File) bool {
	_, err := unix.IoctlGetTermios(int(file.Fd()), ttyGetAttrIoctl)
	return err == nil
}

// logColorConsoleWrite writes a colorized line to console
func logColorConsoleWrite(out io.Writer, level LogLevel, line []byte) {
	var beg, end string

	switch {
	case (level & LogError) != 0:
		beg, end = "\033[31;1m", "\033[0m" // Red
	case (level & LogInfo) != 0:
		beg, end = "\033[32;1m", "\033[0m" // Green
	case (level & LogDebug) != 0:
		beg, end = "\033[37;1m", "\033[0m" // White
	case (level & LogTraceAll) != 0:
		beg, end = "\033[37m", "\033[0m" // Gray
	}

	out.Write([]byte(beg))
	out.Write(line)
	out.Write([]byte(end))
}
