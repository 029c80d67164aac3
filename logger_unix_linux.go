//go:build linux

/* usbip-vhci-go - USB/IP virtual host controller client core */

package main

import "golang.org/x/sys/unix"

const ttyGetAttrIoctl = unix.TCGETS
