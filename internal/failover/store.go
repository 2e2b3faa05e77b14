package failover

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// HeartbeatStore holds the single current heartbeat record. Save replaces it
// atomically; Load returns nil when nothing was ever saved.
type HeartbeatStore interface {
	Save(hb Heartbeat) error
	Load() (*Heartbeat, error)
	Close() error
}

// OpenStore opens a FileStore for paths ending in .json and a BoltStore
// otherwise.
func OpenStore(path string) (HeartbeatStore, error) {
	if strings.HasSuffix(path, ".json") {
		return NewFileStore(path), nil
	}
	return NewBoltStore(path)
}

var (
	bucketHeartbeat = []byte("heartbeat")
	keyLatest       = []byte("latest")
)

// BoltStore keeps the heartbeat in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create heartbeat directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open heartbeat database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHeartbeat)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create heartbeat bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeat).Put(keyLatest, data)
	})
}

func (s *BoltStore) Load() (*Heartbeat, error) {
	var hb *Heartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeartbeat).Get(keyLatest)
		if data == nil {
			return nil
		}
		hb = &Heartbeat{}
		return json.Unmarshal(data, hb)
	})
	return hb, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FileStore keeps the heartbeat in a JSON file replaced by write, fsync,
// rename and directory fsync so readers never see a partial record.
type FileStore struct {
	path string
}

// NewFileStore uses the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(hb Heartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating heartbeat directory: %w", err)
	}
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary heartbeat file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary heartbeat file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary heartbeat file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary heartbeat file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming heartbeat file into place: %w", err)
	}
	// The rename is durable only once the directory entry is flushed.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func (s *FileStore) Load() (*Heartbeat, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("parsing heartbeat file %s: %w", s.path, err)
	}
	return &hb, nil
}

func (s *FileStore) Close() error { return nil }
