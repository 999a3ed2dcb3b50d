package dss

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/types"
)

var (
	// Bucket names
	bucketDevices = []byte("devices")
	bucketMedia   = []byte("media")
	bucketLocks   = []byte("locks")
	bucketLogs    = []byte("logs")
)

// BoltStore implements Store using a local bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "caskd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketDevices, bucketMedia, bucketLocks, bucketLogs}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Device operations

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var dev types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) SetDevice(dev *types.Device) error {
	dev.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDevices).Put([]byte(dev.ID), data)
	})
}

func (s *BoltStore) UpdateDeviceAdmStatus(id string, st types.AdmStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		var dev types.Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		dev.AdmStatus = st
		dev.UpdatedAt = time.Now()
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) ListDevices(f DeviceFilter) ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var dev types.Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			if f.Family != "" && dev.Family != f.Family {
				return nil
			}
			if f.Host != "" && dev.Host != f.Host {
				return nil
			}
			if f.ID != "" && dev.ID != f.ID {
				return nil
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(id))
	})
}

// Media operations

func (s *BoltStore) GetMedium(id string) (*types.Medium, error) {
	var m types.Medium
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMedia).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("medium %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) SetMedium(m *types.Medium) error {
	m.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMedia).Put([]byte(m.ID), data)
	})
}

// UpdateMedium persists m, keeping the FULL invariant: a medium with no
// free physical space is flagged full unless it is still blank.
func (s *BoltStore) UpdateMedium(m *types.Medium) error {
	if m.Stats.PhysSpcFree == 0 && m.FSStatus != types.FSBlank {
		m.FSStatus = types.FSFull
	}
	return s.SetMedium(m)
}

func (s *BoltStore) ListMedia(f MediaFilter) ([]*types.Medium, error) {
	var media []*types.Medium
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(k, v []byte) error {
			var m types.Medium
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if f.Family != "" && m.Family != f.Family {
				return nil
			}
			if f.ID != "" && m.ID != f.ID {
				return nil
			}
			media = append(media, &m)
			return nil
		})
	})
	return media, err
}

func (s *BoltStore) DeleteMedium(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMedia).Delete([]byte(id))
	})
}

// Lock operations

func (s *BoltStore) Lock(typ types.LockType, id, hostname string, owner int) error {
	lock := types.Lock{
		Type:     typ,
		ID:       id,
		Hostname: hostname,
		Owner:    owner,
		LockedAt: time.Now(),
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := []byte(lock.Key())
		if data := b.Get(key); data != nil {
			var held types.Lock
			if err := json.Unmarshal(data, &held); err != nil {
				return err
			}
			if held.Hostname != hostname || held.Owner != owner {
				return fmt.Errorf("%s %s held by %s:%d: %w",
					typ, id, held.Hostname, held.Owner, ErrLockHeld)
			}
			return nil // already ours
		}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) Unlock(typ types.LockType, id, hostname string, owner int, force bool) error {
	key := []byte(string(typ) + "/" + id)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s %s: %w", typ, id, ErrNotFound)
		}
		if !force {
			var held types.Lock
			if err := json.Unmarshal(data, &held); err != nil {
				return err
			}
			if held.Hostname != hostname || held.Owner != owner {
				return fmt.Errorf("%s %s held by %s:%d: %w",
					typ, id, held.Hostname, held.Owner, ErrNotOwner)
			}
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) GetLock(typ types.LockType, id string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get([]byte(string(typ) + "/" + id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", typ, id, ErrNotFound)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) ListLocks(typ types.LockType) ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			if typ != "" && lock.Type != typ {
				return nil
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}

// Operation logs

func (s *BoltStore) AppendLog(e *LogEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	logger := log.WithComponent("dss")
	logger.Debug().
		Str("device", e.Device).
		Str("medium", e.Medium).
		Str("cause", e.Cause).
		Int32("rc", e.RC).
		Msg(e.Message)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListLogs(since time.Time) ([]*LogEntry, error) {
	var entries []*LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLogs).ForEach(func(k, v []byte) error {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Time.Before(since) {
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}
