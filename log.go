/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Low-level logging helpers used before the Logger is fully set up
 * (argument parsing, configuration errors)
 */

package main

import (
	"fmt"
	"os"
)

// log_debug prints a debug message directly to stderr
func log_debug(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...) + "\n"
	fmt.Fprint(os.Stderr, s)
}

// log_exit prints a message and terminates the process
func log_exit(format string, args ...interface{}) {
	log_debug(format, args...)
	os.Exit(1)
}

// log_check exits if err is not nil
func log_check(err error) {
	if err != nil {
		log_exit(err.Error())
	}
}

// log_usage prints a usage error and terminates the process
func log_usage(format string, args ...interface{}) {
	if format != "" {
		log_debug(format, args...)
	}

	log_debug("Try %s -h for more information", os.Args[0])
	os.Exit(1)
}
