//go:build darwin || freebsd || netbsd || openbsd || dragonfly || solaris

/* usbip-vhci-go - USB/IP virtual host controller client core */

package main

import "golang.org/x/sys/unix"

const ttyGetAttrIoctl = unix.TIOCGETA
