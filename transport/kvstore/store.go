// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package kvstore

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// servedCacheSize bounds the number of request IDs a store remembers.
const servedCacheSize = 1024

// A Store is a key-value store shared by the transports that exchange
// messages through it. A Store is safe for concurrent use.
type Store struct {
	db *leveldb.DB
	pμ sync.Mutex // serializes presence updates

	μ      sync.Mutex
	served *lru.Cache // request IDs already dispatched
}

// OpenStore opens a store backed by the LevelDB database at path. If path is
// empty, the store is held in memory.
func OpenStore(path string) (*Store, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 16})
		var cerr *lerrors.ErrCorrupted
		if errors.As(err, &cerr) {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, err
	}
	return &Store{db: db, served: lru.New(servedCacheSize)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// put stores the JSON encoding of v under key.
func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), data, nil)
}

// remove deletes key, if present.
func (s *Store) remove(key string) error { return s.db.Delete([]byte(key), nil) }

// get decodes the value of key into v. It reports false if key is not
// present.
func (s *Store) get(key string, v any) (bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

// take decodes the value of key into v and deletes key. It reports false if
// key is not present.
func (s *Store) take(key string, v any) (bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

// A presence record marks the service of a serving endpoint. The owner
// refreshes Beat while it serves. A record not refreshed within the lease is
// stale, and another server may claim it.
type presence struct {
	Owner string    `json:"owner"`
	Beat  time.Time `json:"beat"`
}

func (p presence) live(lease time.Duration) bool { return time.Since(p.Beat) < lease }

// claim writes a presence record for owner under key, unless key holds a
// live record of another owner. It reports whether the claim succeeded.
func (s *Store) claim(key, owner string, lease time.Duration) (bool, error) {
	s.pμ.Lock()
	defer s.pμ.Unlock()
	var cur presence
	if ok, err := s.get(key, &cur); err != nil {
		return false, err
	} else if ok && cur.Owner != owner && cur.live(lease) {
		return false, nil
	}
	return true, s.put(key, presence{Owner: owner, Beat: time.Now()})
}

// release deletes the presence record at key, if owner holds it.
func (s *Store) release(key, owner string) error {
	s.pμ.Lock()
	defer s.pμ.Unlock()
	var cur presence
	if ok, err := s.get(key, &cur); err != nil || !ok || cur.Owner != owner {
		return err
	}
	return s.remove(key)
}

// present reports whether key holds a live presence record.
func (s *Store) present(key string, lease time.Duration) (bool, error) {
	var cur presence
	ok, err := s.get(key, &cur)
	if err != nil || !ok {
		return false, err
	}
	return cur.live(lease), nil
}

// scan returns the keys having the given prefix, in order.
func (s *Store) scan(prefix string) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

// markServed records that the request with the given ID has been dispatched,
// and reports false if it already had been.
func (s *Store) markServed(id string) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.served.Get(id); ok {
		return false
	}
	s.served.Add(id, struct{}{})
	return true
}
