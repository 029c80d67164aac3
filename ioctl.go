/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * IOCTL surface: request/response shapes for the control-socket API
 * (ctrlsock.go), realizing spec.md §6's IOCTL table as JSON structs.
 * Every struct except ImportedDevice (one entry of the GET /devices
 * list) carries a Version field that must match IoctlVersion,
 * the nearest Go analogue of spec.md's "all structs begin with a size
 * field; mismatch yields ABI_ERROR and is not retryable."
 */

package main

// IoctlVersion is the current wire version of the control-socket API
const IoctlVersion = 1

// checkVersion returns a KindABI Status if v doesn't match IoctlVersion
func checkVersion(v int) error {
	if v != IoctlVersion {
		return NewStatus(KindABI, "ioctl version %d, daemon expects %d", v, IoctlVersion)
	}
	return nil
}

// PluginHardwareRequest is the body of POST /plugin and POST /plugin-internal
type PluginHardwareRequest struct {
	Version     int
	NodeName    string
	ServiceName string
	BusID       string
}

// PluginHardwareResponse answers a PLUGIN_HARDWARE[_INTERNAL] request
type PluginHardwareResponse struct {
	Version int
	Port    int
}

// PlugoutHardwareRequest is the body of POST /plugout
type PlugoutHardwareRequest struct {
	Version  int
	Port     int // 0 = detach all
	Reattach bool
}

// ImportedDevice is one entry of GET /devices, a snapshot of a live port
type ImportedDevice struct {
	Port  int
	Attrs Attributes
	Speed string
	State string
}

// PersistentListRequest is the body of PUT /persistent: MULTI_SZ-equivalent
// "host,service,busid" strings, spec.md §6's SET_PERSISTENT
type PersistentListRequest struct {
	Version int
	Entries []string // each "host,service,busid"
}

// PersistentListResponse answers GET /persistent
type PersistentListResponse struct {
	Version int
	Entries []string
}
