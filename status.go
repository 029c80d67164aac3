/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Status support: Linux-errno-to-Kind translation for RET_SUBMIT/RET_UNLINK
 * replies, and the per-port status table used by the "status" CLI mode
 * and the control socket's GET /devices route
 */

package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
)

// Linux errno values carried in RET_SUBMIT/RET_UNLINK status fields,
// negated on the wire as the protocol dictates
const (
	linuxEPIPE      = -32
	linuxENOENT     = -2
	linuxECONNRESET = -104
	linuxESHUTDOWN  = -108
	linuxETIMEDOUT  = -110
	linuxENODEV     = -19
	linuxEPROTO     = -71
	linuxEOVERFLOW  = -75
	linuxEINVAL     = -22
)

// TranslateLinuxStatus maps a RET_SUBMIT/RET_UNLINK status field (0 on
// success, a negated Linux errno otherwise) to a Kind, table-driven per
// spec.md §4.6 ("translate Linux errno → USBD status, deterministic").
func TranslateLinuxStatus(status int32) Kind {
	switch status {
	case 0:
		return KindNone
	case linuxEPIPE:
		return KindProtocol
	case linuxENOENT, linuxECONNRESET, linuxESHUTDOWN:
		return KindForcedClose
	case linuxETIMEDOUT:
		return KindTimeout
	case linuxENODEV:
		return KindDeviceRemoved
	case linuxEPROTO, linuxEOVERFLOW:
		return KindProtocol
	case linuxEINVAL:
		return KindInvalidParameter
	default:
		return KindProtocol
	}
}

// portStatus is a snapshot of one claimed port's device, kept for the
// status table independent of the live Device object's own locking
type portStatus struct {
	Port    int
	Attrs   Attributes
	Speed   Speed
	State   DeviceState
	InitErr error
}

var (
	statusTable = make(map[int]*portStatus)
	statusLock  sync.RWMutex
)

// StatusSet records or updates a port's status entry
func StatusSet(port int, attrs Attributes, speed Speed, state DeviceState, initErr error) {
	statusLock.Lock()
	statusTable[port] = &portStatus{Port: port, Attrs: attrs, Speed: speed, State: state, InitErr: initErr}
	statusLock.Unlock()
}

// StatusDel removes a port's status entry
func StatusDel(port int) {
	statusLock.Lock()
	delete(statusTable, port)
	statusLock.Unlock()
}

// StatusFormat renders the current status table as human-readable text,
// used by both the "status" CLI mode and an operator attached via
// ctrlsock
func StatusFormat() []byte {
	buf := &bytes.Buffer{}

	statusLock.RLock()
	defer statusLock.RUnlock()

	fmt.Fprintf(buf, "usbipvhci daemon %s: running\n", Version)

	ports := make([]*portStatus, 0, len(statusTable))
	for _, s := range statusTable {
		ports = append(ports, s)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })

	buf.WriteString("attached devices:")
	if len(ports) == 0 {
		buf.WriteString(" none\n")
		return buf.Bytes()
	}
	buf.WriteString("\n")

	for _, s := range ports {
		fmt.Fprintf(buf, " port %-3d %s:%s/%s  speed=%s  state=%s\n",
			s.Port, s.Attrs.NodeName, s.Attrs.ServiceName, s.Attrs.BusID, s.Speed, s.State)
		if s.InitErr != nil {
			fmt.Fprintf(buf, "          error: %s\n", s.InitErr)
		}
	}

	return buf.Bytes()
}

// StatusRetrieve connects to the running daemon over its control socket
// and retrieves a formatted status dump
func StatusRetrieve() ([]byte, error) {
	t := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return CtrlsockDial()
		},
	}
	c := &http.Client{Transport: t}

	rsp, err := c.Get("http://localhost/status")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	return io.ReadAll(rsp.Body)
}
