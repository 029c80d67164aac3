package main

import (
	"path/filepath"
	"testing"
)

func TestStorePutListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	dev := PersistentDevice{NodeName: "host", ServiceName: "3240", BusID: "1-1"}
	hash := ComputeLocationHash(dev.NodeName, dev.ServiceName, dev.BusID)

	if err := s.Put(hash, dev); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0] != dev {
		t.Fatalf("List = %+v, want [%+v]", list, dev)
	}

	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = s.List()
	if len(list) != 0 {
		t.Fatalf("List after Delete = %+v, want empty", list)
	}
}

func TestStorePutIsIdempotentPerHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	dev := PersistentDevice{NodeName: "host", ServiceName: "3240", BusID: "1-1"}
	hash := ComputeLocationHash(dev.NodeName, dev.ServiceName, dev.BusID)

	s.Put(hash, dev)
	s.Put(hash, dev)

	list, _ := s.List()
	if len(list) != 1 {
		t.Fatalf("List = %+v, want exactly one entry for a repeated Put", list)
	}
}

func TestStoreReplaceAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	a := PersistentDevice{NodeName: "a", ServiceName: "3240", BusID: "1-1"}
	s.Put(ComputeLocationHash(a.NodeName, a.ServiceName, a.BusID), a)

	b := PersistentDevice{NodeName: "b", ServiceName: "3240", BusID: "2-1"}
	replacement := map[uint64]PersistentDevice{
		ComputeLocationHash(b.NodeName, b.ServiceName, b.BusID): b,
	}
	if err := s.ReplaceAll(replacement); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	list, _ := s.List()
	if len(list) != 1 || list[0] != b {
		t.Fatalf("List after ReplaceAll = %+v, want [%+v]", list, b)
	}
}

func TestLoadPersistentDevicesFeedsEachRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	a := PersistentDevice{NodeName: "a", ServiceName: "3240", BusID: "1-1"}
	b := PersistentDevice{NodeName: "b", ServiceName: "3240", BusID: "2-1"}
	s.Put(ComputeLocationHash(a.NodeName, a.ServiceName, a.BusID), a)
	s.Put(ComputeLocationHash(b.NodeName, b.ServiceName, b.BusID), b)

	var fed []PersistentDevice
	err = s.LoadPersistentDevices(func(dev PersistentDevice) { fed = append(fed, dev) })
	if err != nil {
		t.Fatalf("LoadPersistentDevices: %v", err)
	}
	if len(fed) != 2 {
		t.Fatalf("fed %d devices, want 2", len(fed))
	}
}
