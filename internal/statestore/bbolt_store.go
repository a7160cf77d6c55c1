package statestore

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"ai-privacy-router/internal/clock"
	"ai-privacy-router/internal/logger"
)

const bboltBucket = "request_state"

// BboltStore is a StateStore backed by an embedded bbolt database. Entries
// survive process restarts; expiry is evaluated lazily on Get, and an
// expired entry is deleted when a Get finds it.
type BboltStore struct {
	db  *bolt.DB
	clk clock.Clock
	log *logger.Logger
}

// NewBboltStore opens (or creates) the database at path and ensures its
// bucket exists.
func NewBboltStore(path string, clk clock.Clock, log *logger.Logger) (*BboltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	log.Infof("open", "bbolt state store opened at %s", path)
	return &BboltStore{db: db, clk: clk, log: log}, nil
}

// envelope prefixes the stored value with its expiry so Get can evaluate
// TTL without a second bucket or index.
func encodeEnvelope(value []byte, expiresAt time.Time) []byte {
	var nano int64
	if !expiresAt.IsZero() {
		nano = expiresAt.UnixNano()
	}
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], uint64(nano))
	copy(out[8:], value)
	return out
}

func decodeEnvelope(raw []byte) (value []byte, expiresAt time.Time, ok bool) {
	if len(raw) < 8 {
		return nil, time.Time{}, false
	}
	nano := int64(binary.BigEndian.Uint64(raw[:8]))
	if nano != 0 {
		expiresAt = time.Unix(0, nano)
	}
	return raw[8:], expiresAt, true
}

func (s *BboltStore) Put(key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clk.Now().Add(ttl)
	}
	envelope := encodeEnvelope(value, expiresAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bboltBucket)
		}
		return b.Put([]byte(key), envelope)
	})
}

func (s *BboltStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		v, exp, ok := decodeEnvelope(raw)
		if !ok {
			return nil
		}
		value = append([]byte(nil), v...)
		expiresAt = exp
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bbolt get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	if !expiresAt.IsZero() && !expiresAt.After(s.clk.Now()) {
		_ = s.Delete(key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *BboltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BboltStore) Close() error { return s.db.Close() }
