package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketBackups = []byte("otadata_backups")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRuns, run.ID, run)
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketRuns, id, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(id string, fn func(run *Run) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var run Run
		if err := get(tx, bucketRuns, id, &run); err != nil {
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		run.ID = id
		return put(tx, bucketRuns, id, &run)
	})
}

func (s *BoltStore) ListRuns(limit int) ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil // no bucket = no runs
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
		}
		return nil
	})
	return runs, err
}

func (s *BoltStore) SaveBackup(backup *OtadataBackup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketBackups, backup.ID, backup)
	})
}

func (s *BoltStore) GetBackup(id string) (*OtadataBackup, error) {
	var backup OtadataBackup
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketBackups, id, &backup)
	})
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackups() ([]*OtadataBackup, error) {
	var backups []*OtadataBackup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b == nil {
			return nil
		}
		backups = make([]*OtadataBackup, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var backup OtadataBackup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			backups = append(backups, &backup)
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
