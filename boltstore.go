package livepatch

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("sessions")

// BoltSessionStore persists sessions in a bbolt file so they survive
// server restarts.
type BoltSessionStore struct {
	db  *bolt.DB
	ttl time.Duration
}

// NewBoltSessionStore opens (or creates) the database at path.
func NewBoltSessionStore(path string, ttl time.Duration) (*BoltSessionStore, error) {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: create bucket: %w", err)
	}
	return &BoltSessionStore{db: db, ttl: ttl}, nil
}

// Create stores a new session with a random id.
func (s *BoltSessionStore) Create(runtimeID, viewID, userID string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		ID:         id,
		RuntimeID:  runtimeID,
		ViewID:     viewID,
		UserID:     userID,
		CreatedAt:  now,
		LastAccess: now,
	}
	if err := s.put(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a live session, refreshing its last-access time.
func (s *BoltSessionStore) Get(sessionID string) (*Session, bool) {
	var sess *Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		raw := b.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var loaded Session
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return b.Delete([]byte(sessionID))
		}
		if time.Since(loaded.LastAccess) > s.ttl {
			return b.Delete([]byte(sessionID))
		}
		loaded.LastAccess = time.Now()
		enc, err := json.Marshal(&loaded)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(sessionID), enc); err != nil {
			return err
		}
		sess = &loaded
		return nil
	})
	if err != nil || sess == nil {
		return nil, false
	}
	return sess, true
}

// Delete removes a session.
func (s *BoltSessionStore) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(sessionID))
	})
}

// CleanupExpired drops expired sessions and returns how many.
func (s *BoltSessionStore) CleanupExpired() int {
	cutoff := time.Now().Add(-s.ttl)
	n := 0
	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil || sess.LastAccess.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n
}

// Close closes the underlying database.
func (s *BoltSessionStore) Close() error { return s.db.Close() }

func (s *BoltSessionStore) put(sess *Session) error {
	enc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(sess.ID), enc)
	})
}
