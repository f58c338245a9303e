package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const boltFilename = "metadata.db"

var recordsBucket = []byte("records")

// BoltBackend keeps all records in a single bbolt database.
type BoltBackend struct {
	db *bbolt.DB
}

// NewBoltBackend opens or creates the database in dir.
func NewBoltBackend(dir string) (*BoltBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	opts := bbolt.Options{
		FreelistType: bbolt.FreelistMapType,
		NoSync:       os.Getenv("REPLICASTORE_TEST") != "",
	}
	db, err := bbolt.Open(filepath.Join(dir, boltFilename), 0644, &opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Index returns all record ids in key order.
func (b *BoltBackend) Index() ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index metadata: %w", err)
	}
	return ids, nil
}

// Load reads the record of id.
func (b *BoltBackend) Load(id string) (Record, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(recordsBucket).Get([]byte(id)); v != nil {
			// v is only valid inside the transaction.
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("read metadata %s: %w", id, err)
	}
	if data == nil {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return rec, nil
}

// Save stores rec under its id.
func (b *BoltBackend) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", rec.ID, err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record of id.
func (b *BoltBackend) Delete(id string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete metadata %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
