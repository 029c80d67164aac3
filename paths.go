/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Common paths
 */

package main

const (
	// PathConfDir is where the configuration file is looked up
	PathConfDir = "/etc/usbipvhci"

	// PathProgState is the root of the daemon's persistent state
	PathProgState = "/var/lib/usbipvhci"

	// PathRunDir holds the control socket and the lock file
	PathRunDir = "/var/run/usbipvhci"

	// PathLockFile serializes against a second daemon instance
	PathLockFile = PathRunDir + "/usbipvhci.lock"

	// PathControlSocket is the default control-socket path
	PathControlSocket = PathRunDir + "/control"

	// PathStateFile is the bbolt database holding persistent
	// imported-device records (see store.go)
	PathStateFile = PathProgState + "/devices.db"
)
