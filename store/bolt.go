package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kevinxiao27/canvas-sync/ol"
)

var projectsBucket = []byte("projects")

// BoltStore keeps one key per project in a local bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(projectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(ctx context.Context, projectID string) (ol.Snapshot, error) {
	var body []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(projectsBucket).Get([]byte(projectID))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction
		body = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, err)
	}
	return decode(projectID, body)
}

func (s *BoltStore) Save(ctx context.Context, snapshot ol.Snapshot) error {
	body, err := encode(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).Put([]byte(snapshot.ProjectID), body)
	})
}

// Append reads, extends and writes the project inside one write transaction;
// bbolt runs write transactions one at a time.
func (s *BoltStore) Append(ctx context.Context, projectID string, ops []ol.Operation) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(projectsBucket)
		snapshot := ol.Snapshot{ProjectID: projectID}
		v := bucket.Get([]byte(projectID))
		if v != nil {
			var err error
			if snapshot, err = decode(projectID, v); err != nil {
				return err
			}
		}
		snapshot, added := appendOps(snapshot, ops)
		if v != nil && added == 0 {
			return nil
		}
		body, err := encode(snapshot)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(projectID), body)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", projectID, err)
	}
	return nil
}

func (s *BoltStore) Delete(ctx context.Context, projectID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).Delete([]byte(projectID))
	})
}
