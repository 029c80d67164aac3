package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func withTestStoreAndHub(t *testing.T) {
	t.Helper()

	prevStore, prevHub := store, hub
	var err error
	store, err = OpenStore(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	hub = NewVHCI(4, 4)

	t.Cleanup(func() {
		store.Close()
		store, hub = prevStore, prevHub
	})
}

func doRequest(h http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandleStatusServesPlainText(t *testing.T) {
	rec := doRequest(handleStatus, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	rec := doRequest(handleStatus, http.MethodPost, "/status", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleDevicesEmpty(t *testing.T) {
	rec := doRequest(handleDevices, http.MethodGet, "/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var devices []ImportedDevice
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("devices = %v, want empty", devices)
	}
}

func TestHandlePluginRejectsVersionMismatch(t *testing.T) {
	req := PluginHardwareRequest{Version: IoctlVersion + 1, NodeName: "h", ServiceName: "3240", BusID: "1-1"}
	rec := doRequest(handlePlugin(false), http.MethodPost, "/plugin", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePluginRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/plugin", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handlePlugin(false)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePlugoutUnknownPort(t *testing.T) {
	withTestStoreAndHub(t)

	req := PlugoutHardwareRequest{Version: IoctlVersion, Port: 7}
	rec := doRequest(handlePlugout, http.MethodPost, "/plugout", req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlePlugoutAllReturnsNoContent(t *testing.T) {
	withTestStoreAndHub(t)

	req := PlugoutHardwareRequest{Version: IoctlVersion, Port: 0}
	rec := doRequest(handlePlugout, http.MethodPost, "/plugout", req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandlePersistentRoundTrip(t *testing.T) {
	withTestStoreAndHub(t)

	setReq := PersistentListRequest{Version: IoctlVersion, Entries: []string{"host1,3240,1-1", "host2,3240,2-1"}}
	rec := doRequest(handlePersistent, http.MethodPut, "/persistent", setReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(handlePersistent, http.MethodGet, "/persistent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}

	var rsp PersistentListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rsp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rsp.Entries) != 2 {
		t.Fatalf("entries = %v, want 2", rsp.Entries)
	}
}

func TestHandlePersistentRejectsMalformedEntry(t *testing.T) {
	withTestStoreAndHub(t)

	setReq := PersistentListRequest{Version: IoctlVersion, Entries: []string{"not-enough-fields"}}
	rec := doRequest(handlePersistent, http.MethodPut, "/persistent", setReq)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestParsePersistentEntry(t *testing.T) {
	dev, err := parsePersistentEntry("host,3240,1-1")
	if err != nil {
		t.Fatalf("parsePersistentEntry: %v", err)
	}
	if dev.NodeName != "host" || dev.ServiceName != "3240" || dev.BusID != "1-1" {
		t.Fatalf("parsed = %+v", dev)
	}

	if _, err := parsePersistentEntry("host,3240"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}
