/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Persistent store of imported device locations, backed by
 * go.etcd.io/bbolt. Replaces the per-device flat ini state file the
 * teacher keeps (devstate.go) with a single keyed store, naturally
 * idempotent under the location_hash key the reattach supervisor
 * already uses for deduplication.
 */

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var persistentBucket = []byte("PersistentDevices")

// PersistentDevice is one entry of the persistent import list: a
// location the daemon should re-attach at boot and after a retryable
// failure, keyed by its LocationHash.
type PersistentDevice struct {
	NodeName    string
	ServiceName string
	BusID       string
}

// Store wraps the bbolt database holding persistent device locations
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if necessary) the bbolt database at path,
// ensuring the persistent-device bucket exists.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: %s", err)
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %s", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(persistentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %s", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records dev as persistent, keyed by its location hash; a second
// Put for the same location silently replaces the first (spec.md
// §4.9's dedup-by-location_hash, realized here as key idempotence
// rather than a rejected second attach).
func (s *Store) Put(hash uint64, dev PersistentDevice) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return tx.Bucket(persistentBucket).Put(locationKey(hash), data)
	})
}

// Delete removes a persistent entry, a no-op if the location was never recorded
func (s *Store) Delete(hash uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(persistentBucket).Delete(locationKey(hash))
	})
}

// ReplaceAll atomically replaces the full persistent list, the Go
// realization of the IOCTL surface's SET_PERSISTENT (spec.md §6,
// `MULTI_SZ` "host,service,busid" strings).
func (s *Store) ReplaceAll(devices map[uint64]PersistentDevice) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(persistentBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(persistentBucket)
		if err != nil {
			return err
		}
		for hash, dev := range devices {
			data, err := json.Marshal(dev)
			if err != nil {
				return err
			}
			if err := b.Put(locationKey(hash), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every persistent device location, the realization of
// GET_PERSISTENT.
func (s *Store) List() ([]PersistentDevice, error) {
	var out []PersistentDevice
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(persistentBucket).ForEach(func(_, v []byte) error {
			var dev PersistentDevice
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			out = append(out, dev)
			return nil
		})
	})
	return out, err
}

func locationKey(hash uint64) []byte {
	return []byte(fmt.Sprintf("%016x", hash))
}

// LoadPersistentDevices feeds every recorded location through submit,
// the same PLUGIN_HARDWARE_INTERNAL path a live reattach timer fire
// uses, grounded on original_source/drivers/ude/load_imported_devices.cpp's
// boot-time replay of the registry-backed "ImportedDevices" MULTI_SZ
// list through the same internal plugin IOCTL the driver itself issues.
func (s *Store) LoadPersistentDevices(submit func(PersistentDevice)) error {
	devices, err := s.List()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		submit(dev)
	}
	return nil
}
