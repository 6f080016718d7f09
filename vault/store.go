package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LastUpdated is the record key holding the ISO timestamp of the last save.
const LastUpdated = "lastUpdated"

// Record is the stored form of the credentials of one exchange: field name to
// "iv:ciphertext", plus the LastUpdated key.
type Record map[string]string

// Store persists credential records by exchange id.
type Store interface {
	Get(id string) (Record, bool, error)
	Put(id string, r Record) error
	Delete(id string) error
	All() (map[string]Record, error)
}

// MemoryStore is a Store in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{records: make(map[string]Record)} }

func (m *MemoryStore) Get(id string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return maps.Clone(r), ok, nil
}

func (m *MemoryStore) Put(id string, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = maps.Clone(r)
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) All() (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[string]Record, len(m.records))
	for id, r := range m.records {
		res[id] = maps.Clone(r)
	}
	return res, nil
}

// FileStore keeps every record in a single JSON document:
//
//	{
//	  "kraken": {"apiKey": "<hex-iv>:<hex-ct>", "lastUpdated": "2024-03-04T10:00:00Z"}
//	}
//
// The document is rewritten as a whole, through a temporary file renamed over the previous one.
type FileStore struct {
	Path string
}

func (f FileStore) load() (map[string]Record, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read credential store: %w", err)
	}
	doc := make(map[string]Record)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode credential store %q: %w", f.Path, err)
	}
	return doc, nil
}

func (f FileStore) write(doc map[string]Record) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create credential store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("cannot write credential store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write credential store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

func (f FileStore) Get(id string) (Record, bool, error) {
	doc, err := f.load()
	if err != nil {
		return nil, false, err
	}
	r, ok := doc[id]
	return r, ok, nil
}

func (f FileStore) Put(id string, r Record) error {
	doc, err := f.load()
	if err != nil {
		return err
	}
	doc[id] = r
	return f.write(doc)
}

func (f FileStore) Delete(id string) error {
	doc, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := doc[id]; !ok {
		return nil
	}
	delete(doc, id)
	return f.write(doc)
}

func (f FileStore) All() (map[string]Record, error) { return f.load() }

// bucketCredentials holds one JSON encoded Record per exchange id.
const bucketCredentials = "credentials"

// BoltStore keeps records in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens, or creates, the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCredentials))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketCredentials, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(id string) (Record, bool, error) {
	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCredentials)).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &r)
	})
	return r, r != nil, err
}

func (s *BoltStore) Put(id string, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).Put([]byte(id), data)
	})
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).Delete([]byte(id))
	})
}

func (s *BoltStore) All() (map[string]Record, error) {
	res := make(map[string]Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("cannot decode record %q: %w", k, err)
			}
			res[string(k)] = r
			return nil
		})
	})
	return res, err
}
