package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketInstallRecords = []byte("install_records")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "courier.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstallRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// PutInstallRecord stores or replaces the record for a plugin
func (s *BoltStore) PutInstallRecord(record *InstallRecord) error {
	if record.Name == "" {
		return fmt.Errorf("install record must carry a plugin name")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal install record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallRecords).Put([]byte(record.Name), data)
	})
}

// GetInstallRecord returns the record for a plugin, or nil when absent
func (s *BoltStore) GetInstallRecord(name string) (*InstallRecord, error) {
	var record *InstallRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstallRecords).Get([]byte(name))
		if data == nil {
			return nil
		}
		record = &InstallRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read install record: %w", err)
	}
	return record, nil
}

// ListInstallRecords returns every recorded installation
func (s *BoltStore) ListInstallRecords() ([]*InstallRecord, error) {
	var records []*InstallRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallRecords).ForEach(func(k, v []byte) error {
			record := &InstallRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list install records: %w", err)
	}
	return records, nil
}

// DeleteInstallRecord removes the record for a plugin
func (s *BoltStore) DeleteInstallRecord(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallRecords).Delete([]byte(name))
	})
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
