// Copyright 2019 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commits resolves changeset ids to raw commit text, locally
// first and remotely in batches when the text is not materialized.
package commits

import (
	"fmt"

	"github.com/boltdb/bolt"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scmlab/revstore/hash"
)

var commitsBucket = []byte("commits")

const hotCacheSize = 4096

// LocalStore is the content-addressed store of raw commit text,
// backed by a bolt database with a small LRU in front of it.
type LocalStore struct {
	db    *bolt.DB
	cache *lru.Cache[hash.Hash, []byte]
}

// OpenLocalStore opens (creating if needed) the store at |path|.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commitsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New[hash.Hash, []byte](hotCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &LocalStore{db: db, cache: cache}, nil
}

// Get returns the raw commit text for |id|, or ErrNotFound. The null
// and working directory sentinels resolve to empty text without
// touching storage, so virtual nodes never reach the server either.
func (s *LocalStore) Get(id hash.Hash) ([]byte, error) {
	if id.IsSentinel() {
		return []byte{}, nil
	}

	if text, ok := s.cache.Get(id); ok {
		return text, nil
	}

	var text []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(commitsBucket).Get(id[:])
		if v == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		text = make([]byte, len(v))
		copy(text, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Add(id, text)
	return text, nil
}

// Has reports whether |id| is materialized locally. Sentinels always
// are.
func (s *LocalStore) Has(id hash.Hash) (bool, error) {
	if id.IsSentinel() {
		return true, nil
	}
	if s.cache.Contains(id) {
		return true, nil
	}

	var has bool
	err := s.db.View(func(tx *bolt.Tx) error {
		has = tx.Bucket(commitsBucket).Get(id[:]) != nil
		return nil
	})
	return has, err
}

// Put stores |text| under |id|. Storing under a sentinel id is a
// no-op.
func (s *LocalStore) Put(id hash.Hash, text []byte) error {
	if id.IsSentinel() {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(commitsBucket).Put(id[:], text)
	})
	if err != nil {
		return err
	}

	s.cache.Add(id, text)
	return nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	s.cache.Purge()
	return s.db.Close()
}
