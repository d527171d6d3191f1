package escrow

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hakimelghazi/escrow-core/internal/identity"
)

var (
	poolsBucket      = []byte("pools")
	allowancesBucket = []byte("allowances")
)

// BoltStore persists pools and allowances in a single-file embedded
// key-value database, JSON-encoded.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dbFile string) (*BoltStore, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{poolsBucket, allowancesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) read(bucket, key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("bolt read failed: %w", err)
	}
	return found, nil
}

func (s *BoltStore) write(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	}); err != nil {
		return fmt.Errorf("bolt write failed: %w", err)
	}
	return nil
}

func (s *BoltStore) Pool(owner identity.Badge) (*Pool, bool, error) {
	p := &Pool{}
	found, err := s.read(poolsBucket, []byte(owner.String()), p)
	if err != nil || !found {
		return nil, false, err
	}
	return p, true, nil
}

func (s *BoltStore) PutPool(p *Pool) error {
	return s.write(poolsBucket, []byte(p.Owner.String()), p)
}

func (s *BoltStore) Allowance(id string) (*Allowance, bool, error) {
	a := &Allowance{}
	found, err := s.read(allowancesBucket, []byte(id), a)
	if err != nil || !found {
		return nil, false, err
	}
	return a, true, nil
}

func (s *BoltStore) PutAllowance(a *Allowance) error {
	return s.write(allowancesBucket, []byte(a.ID), a)
}

func (s *BoltStore) DeleteAllowance(id string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(allowancesBucket).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("bolt delete failed: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error { return s.db.Close() }
