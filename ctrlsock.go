/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Control socket handler
 *
 * The daemon runs a HTTP server on top of a unix domain control socket,
 * the IOCTL surface's JSON transport (ioctl.go), covering plugin,
 * plugout, device listing, the persistent device list and a live event
 * stream. Using HTTP here sounds like overkill, but it costs virtually
 * nothing and the mechanism is well-extendable, so this is a good choice.
 */

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// CtrlsockAddr builds the control socket address from the current
// configuration; a func rather than a package var because Conf.CtrlSockPath
// isn't final until ConfLoad runs, after package-level vars are set up.
func CtrlsockAddr() *net.UnixAddr {
	return &net.UnixAddr{Name: Conf.CtrlSockPath, Net: "unix"}
}

var (
	ctrlsockMux = http.NewServeMux()

	// ctrlsockServer is a HTTP server that runs on a top of
	// the control socket
	ctrlsockServer = http.Server{
		Handler:  ctrlsockMux,
		ErrorLog: log.New(Log.LineWriter(LogError, '!'), "", 0),
	}
)

func init() {
	ctrlsockMux.HandleFunc("/status", withRecover(handleStatus))
	ctrlsockMux.HandleFunc("/plugin", withRecover(handlePlugin(false)))
	ctrlsockMux.HandleFunc("/plugin-internal", withRecover(handlePlugin(true)))
	ctrlsockMux.HandleFunc("/plugout", withRecover(handlePlugout))
	ctrlsockMux.HandleFunc("/devices", withRecover(handleDevices))
	ctrlsockMux.HandleFunc("/persistent", withRecover(handlePersistent))
	ctrlsockMux.HandleFunc("/events", withRecover(handleEvents))
}

// withRecover wraps a handler so a panic is logged instead of taking
// down the control socket server, and every request gets a debug trace.
func withRecover(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Log.Debug(' ', "ctrlsock: %s %s", r.Method, r.URL)

		defer func() {
			if v := recover(); v != nil {
				Log.Error('!', "ctrlsock: panic: %v", v)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()

		h(w, r)
	}
}

func httpNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	httpNoCache(w)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatusError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch StatusKind(err) {
	case KindABI, KindInvalidParameter, KindProtocol:
		code = http.StatusBadRequest
	case KindNotFound:
		code = http.StatusNotFound
	case KindPortFull, KindBusy:
		code = http.StatusConflict
	case KindDeviceRemoved:
		code = http.StatusGone
	}
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{err.Error()})
}

// handleStatus serves the plain-text status dump used by "status" mode
func handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	httpNoCache(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(StatusFormat())
}

// handlePlugin serves POST /plugin and POST /plugin-internal. The
// "-internal" variant skips re-arming a reattach on failure, the same
// as the reattach supervisor's own retries (which call attemptImport
// directly rather than going through this route).
func handlePlugin(internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
			return
		}

		var req PluginHardwareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStatusError(w, NewStatus(KindInvalidParameter, "malformed request body: %s", err))
			return
		}
		if err := checkVersion(req.Version); err != nil {
			writeStatusError(w, err)
			return
		}

		pdev := PersistentDevice{NodeName: req.NodeName, ServiceName: req.ServiceName, BusID: req.BusID}
		hash := ComputeLocationHash(pdev.NodeName, pdev.ServiceName, pdev.BusID)

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		dev, err := importDevice(ctx, pdev, !internal)
		if err != nil {
			writeStatusError(w, err)
			return
		}

		store.Put(hash, pdev)

		writeJSON(w, http.StatusOK, PluginHardwareResponse{Version: IoctlVersion, Port: dev.Port})
	}
}

// handlePlugout serves POST /plugout: port 0 detaches every device
func handlePlugout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	var req PlugoutHardwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatusError(w, NewStatus(KindInvalidParameter, "malformed request body: %s", err))
		return
	}
	if err := checkVersion(req.Version); err != nil {
		writeStatusError(w, err)
		return
	}

	if req.Port == 0 {
		hub.DetachAll(true)
		httpNoCache(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	dev := hub.GetDevice(req.Port)
	if dev == nil {
		writeStatusError(w, NewStatus(KindNotFound, "no device on port %d", req.Port))
		return
	}

	if !req.Reattach {
		store.Delete(dev.Attrs.LocationHash)
		supervisor.Stop(dev.Attrs.LocationHash)
	}
	dev.Detach(false, req.Reattach)

	httpNoCache(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleDevices serves GET /devices: a snapshot of every occupied port
func handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	statusLock.RLock()
	list := make([]ImportedDevice, 0, len(statusTable))
	for _, s := range statusTable {
		list = append(list, ImportedDevice{
			Port:  s.Port,
			Attrs: s.Attrs,
			Speed: s.Speed.String(),
			State: s.State.String(),
		})
	}
	statusLock.RUnlock()

	writeJSON(w, http.StatusOK, list)
}

// handlePersistent serves PUT/GET /persistent: the durable list of
// locations the reattach supervisor restores on daemon startup.
func handlePersistent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		devs, err := store.List()
		if err != nil {
			writeStatusError(w, WrapStatus(KindNone, err, "persistent: list"))
			return
		}
		entries := make([]string, len(devs))
		for i, d := range devs {
			entries[i] = d.NodeName + "," + d.ServiceName + "," + d.BusID
		}
		writeJSON(w, http.StatusOK, PersistentListResponse{Version: IoctlVersion, Entries: entries})

	case http.MethodPut:
		var req PersistentListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStatusError(w, NewStatus(KindInvalidParameter, "malformed request body: %s", err))
			return
		}
		if err := checkVersion(req.Version); err != nil {
			writeStatusError(w, err)
			return
		}

		replacement := make(map[uint64]PersistentDevice, len(req.Entries))
		for _, entry := range req.Entries {
			pdev, err := parsePersistentEntry(entry)
			if err != nil {
				writeStatusError(w, err)
				return
			}
			hash := ComputeLocationHash(pdev.NodeName, pdev.ServiceName, pdev.BusID)
			replacement[hash] = pdev
		}

		if err := store.ReplaceAll(replacement); err != nil {
			writeStatusError(w, WrapStatus(KindNone, err, "persistent: replace"))
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})

	default:
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
	}
}

func parsePersistentEntry(entry string) (PersistentDevice, error) {
	fields := splitComma(entry)
	if len(fields) != 3 {
		return PersistentDevice{}, NewStatus(KindInvalidParameter, "malformed persistent entry %q", entry)
	}
	return PersistentDevice{NodeName: fields[0], ServiceName: fields[1], BusID: fields[2]}, nil
}

// splitComma splits "a,b,c" into its comma-separated fields; used
// instead of strings.Split so the entry's shape (exactly 3 fields) is
// obviously load-bearing at the call site.
func splitComma(s string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return fields
}

// handleEvents serves GET /events: a newline-delimited JSON stream of
// DeviceStateRecord, one line per port state transition, until the
// client disconnects (spec.md §4.8's event broadcast, exposed as a
// chunked HTTP stream since the control socket has no push transport
// of its own).
func handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	httpNoCache(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := hub.Events.Subscribe()
	defer unsubscribe()

	enc := json.NewEncoder(w)
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(rec); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// CtrlsockStart starts control socket server
func CtrlsockStart() error {
	Log.Debug(' ', "ctrlsock: listening at %q", Conf.CtrlSockPath)

	// Listen the socket
	os.Remove(Conf.CtrlSockPath)

	listener, err := net.ListenUnix("unix", CtrlsockAddr())
	if err != nil {
		return err
	}

	// Make socket accessible to everybody. Error is ignored,
	// it's not a reason to abort the daemon.
	os.Chmod(Conf.CtrlSockPath, 0777)

	go func() {
		ctrlsockServer.Serve(listener)
	}()

	return nil
}

// CtrlsockStop stops the control socket server
func CtrlsockStop() {
	Log.Debug(' ', "ctrlsock: shutdown")
	ctrlsockServer.Close()
}

// CtrlsockDial connects to the control socket of the running daemon
func CtrlsockDial() (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, CtrlsockAddr())

	if err == nil {
		return conn, err
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				err = ErrNoDaemon

			case syscall.EACCES, syscall.EPERM:
				err = ErrAccess
			}
		}
	}

	return conn, err
}

// ctrlsockClient is a small JSON-over-unix-socket client used by
// main.go's CLI-facing plugin/plugout/devices/persistent subcommands.
type ctrlsockClient struct {
	client http.Client
}

func newCtrlsockClient() *ctrlsockClient {
	return &ctrlsockClient{
		client: http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return CtrlsockDial()
				},
			},
		},
	}
}

func (c *ctrlsockClient) do(method, path string, body, out interface{}) error {
	var bodyReader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(buf)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(rsp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return NewStatus(KindNone, "%s", apiErr.Error)
		}
		return NewStatus(KindNone, "%s: %s", path, rsp.Status)
	}

	if out != nil {
		return json.NewDecoder(rsp.Body).Decode(out)
	}
	return nil
}
