// Package cluster maintains the node address directory a shard.NetForwarder
// dials through, adapted from BeadsLog's internal/daemon.Registry: the same
// file-lock-protected JSON read-modify-write pattern, repurposed from
// "which daemon owns which workspace" to "which cluster node answers at
// which address".
package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ionvault/persist/internal/perr"
)

// NodeAddress is one entry in the directory: a cluster node's dial address
// for Envelope forwarding.
type NodeAddress struct {
	NodeID    string    `json:"node_id"`
	Address   string    `json:"address"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory is the shared on-disk registry of node addresses, stored at
// <root>/cluster_directory.json and guarded by an exclusive file lock for
// cross-process read-modify-write safety.
type Directory struct {
	path     string
	lockPath string
	mu       sync.Mutex // in-process mutex; cross-process safety comes from the file lock
}

// Open returns the node address directory rooted at <root>/cluster_directory.json.
func Open(root string) (*Directory, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, perr.Storagef(err, "creating cluster directory root %q", root)
	}
	return &Directory{
		path:     filepath.Join(root, "cluster_directory.json"),
		lockPath: filepath.Join(root, "cluster_directory.lock"),
	}, nil
}

func (d *Directory) withFileLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fl := flock.New(d.lockPath)
	if err := fl.Lock(); err != nil {
		return perr.Storagef(err, "acquiring cluster directory lock %q", d.lockPath)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

func (d *Directory) readEntriesLocked() ([]NodeAddress, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []NodeAddress{}, nil
		}
		return nil, perr.Storagef(err, "reading cluster directory %q", d.path)
	}
	if len(data) == 0 {
		return []NodeAddress{}, nil
	}

	var entries []NodeAddress
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupted directory just means nodes must re-announce; treat as
		// empty rather than failing every lookup.
		return []NodeAddress{}, nil
	}
	return entries, nil
}

func (d *Directory) writeEntriesLocked(entries []NodeAddress) error {
	if entries == nil {
		entries = []NodeAddress{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return perr.Storagef(err, "marshaling cluster directory")
	}

	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, "cluster_directory-*.json.tmp")
	if err != nil {
		return perr.Storagef(err, "creating cluster directory temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return perr.Storagef(err, "writing cluster directory temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return perr.Storagef(err, "syncing cluster directory temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return perr.Storagef(err, "closing cluster directory temp file")
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		_ = os.Remove(tmpPath)
		return perr.Storagef(err, "renaming cluster directory temp file")
	}
	return nil
}

// Announce upserts this node's dial address, replacing any prior entry for
// the same node_id.
func (d *Directory) Announce(nodeID, address string) error {
	return d.withFileLock(func() error {
		entries, err := d.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.NodeID != nodeID {
				filtered = append(filtered, e)
			}
		}
		filtered = append(filtered, NodeAddress{NodeID: nodeID, Address: address, UpdatedAt: time.Now().UTC()})
		return d.writeEntriesLocked(filtered)
	})
}

// Withdraw removes nodeID's entry, e.g. on graceful shutdown.
func (d *Directory) Withdraw(nodeID string) error {
	return d.withFileLock(func() error {
		entries, err := d.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.NodeID != nodeID {
				filtered = append(filtered, e)
			}
		}
		return d.writeEntriesLocked(filtered)
	})
}

// Lookup returns nodeID's last-announced address.
func (d *Directory) Lookup(nodeID string) (string, bool, error) {
	var addr string
	var ok bool
	err := d.withFileLock(func() error {
		entries, err := d.readEntriesLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.NodeID == nodeID {
				addr, ok = e.Address, true
				return nil
			}
		}
		return nil
	})
	return addr, ok, err
}

// List returns every announced node address.
func (d *Directory) List() ([]NodeAddress, error) {
	var entries []NodeAddress
	err := d.withFileLock(func() error {
		var err error
		entries, err = d.readEntriesLocked()
		return err
	})
	return entries, err
}

// AddrFor adapts Lookup to the func(nodeID string) (string, bool) shape
// shard.NewNetForwarder expects, swallowing lookup errors as a miss since a
// forwarder's addrFor callback has no error return.
func (d *Directory) AddrFor(nodeID string) (string, bool) {
	addr, ok, err := d.Lookup(nodeID)
	if err != nil {
		return "", false
	}
	return addr, ok
}
