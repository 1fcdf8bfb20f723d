package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketGateway = []byte("gateway")
	keySerial     = []byte("serial")
	keyWireless   = []byte("wireless")
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

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGateway)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s params: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveSerialParams(p *SerialParams) error {
	return s.put(keySerial, p)
}

func (s *BoltStore) GetSerialParams() (*SerialParams, error) {
	var p SerialParams
	if err := s.get(keySerial, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) SaveWirelessParams(p *WirelessParams) error {
	return s.put(keyWireless, p.storage())
}

func (s *BoltStore) GetWirelessParams() (*WirelessParams, error) {
	var st wirelessParamsStorage
	if err := s.get(keyWireless, &st); err != nil {
		return nil, err
	}
	return st.params(), nil
}

func (s *BoltStore) UpdateWirelessParams(fn func(p *WirelessParams) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data := b.Get(keyWireless)
		if data == nil {
			return fmt.Errorf("wireless params: %w", ErrNotFound)
		}
		var st wirelessParamsStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		p := st.params()
		if err := fn(p); err != nil {
			return err
		}
		out, err := json.Marshal(p.storage())
		if err != nil {
			return err
		}
		return b.Put(keyWireless, out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
