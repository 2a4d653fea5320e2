// Package blockstore persists successful block results between builds.
//
// Results live in a BoltDB bucket, msgpack encoded, keyed by a blake3 hash
// of the module's bundled code and the invocation. Entries older than the
// configured TTL are treated as misses.
package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/Norgate-AV/blockbridge/internal/executor"
)

const (
	// DefaultDir is the default store directory name
	DefaultDir = ".blockbridge-cache"

	// dbFile is the BoltDB file inside the store directory
	dbFile = "blocks.db"

	// bucketName is the BoltDB bucket name for block results
	bucketName = "blocks"
)

// FingerprintFunc returns an identifier for the current code of a module
type FingerprintFunc func(basePath, modulePath string) (string, error)

// Options configures a Store
type Options struct {
	// Dir holds the database. Empty means DefaultDir in the working directory.
	Dir string

	// TTL bounds how long a result is reused. Zero keeps results forever.
	TTL time.Duration

	// Fingerprint identifies module code. Required.
	Fingerprint FingerprintFunc
}

// Store manages persisted block results using BoltDB
type Store struct {
	db          *bbolt.DB
	root        string
	ttl         time.Duration
	fingerprint FingerprintFunc
	now         func() time.Time
}

// Open opens or creates a store
func Open(opts Options) (*Store, error) {
	if opts.Fingerprint == nil {
		return nil, errors.New("block store requires a fingerprint function")
	}

	dir := opts.Dir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}

		dir = filepath.Join(cwd, DefaultDir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, dbFile), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store bucket: %w", err)
	}

	return &Store{
		db:          db,
		root:        dir,
		ttl:         opts.TTL,
		fingerprint: opts.Fingerprint,
		now:         time.Now,
	}, nil
}

// Close closes the store database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.root
}

// Get returns the stored result for inv. Missing and expired records report
// false.
func (s *Store) Get(inv executor.Invocation) (json.RawMessage, bool, error) {
	key, err := s.key(inv)
	if err != nil {
		return nil, false, err
	}

	var rec *Record
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if data == nil {
			return nil
		}

		rec = &Record{}
		return msgpack.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read block result: %w", err)
	}

	if rec == nil || rec.Expired(s.now(), s.ttl) {
		return nil, false, nil
	}

	return json.RawMessage(rec.Value), true, nil
}

// Put stores a successful result for inv
func (s *Store) Put(inv executor.Invocation, value json.RawMessage) error {
	key, err := s.key(inv)
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(&Record{
		Key:        key,
		ModulePath: inv.ModulePath,
		Args:       inv.Args,
		Value:      value,
		StoredAt:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode block result: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store block result: %w", err)
	}

	return nil
}

// Prune deletes expired records and returns how many were removed
func (s *Store) Prune() (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	now := s.now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil || rec.Expired(now, s.ttl) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune block store: %w", err)
	}

	return removed, nil
}

// Clear removes all records
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}

		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear block store: %w", err)
	}

	return nil
}

// Stats returns the number of records and the size of their values
func (s *Store) Stats() (int, int64, error) {
	var count int
	var totalSize int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, v []byte) error {
			count++
			totalSize += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}

	return count, totalSize, nil
}

func (s *Store) key(inv executor.Invocation) (string, error) {
	fp, err := s.fingerprint(inv.BasePath, inv.ModulePath)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", inv.ModulePath, err)
	}

	return Key(fp, inv), nil
}
