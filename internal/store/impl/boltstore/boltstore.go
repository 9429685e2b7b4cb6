// Package boltstore is the on-device queue backed by a bbolt file.
// Keys are big-endian sequence ids, so cursor order is insertion order.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/phuslu/log"
	"go.etcd.io/bbolt"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/store"
)

var bucketName = []byte("positions")

type StoreConfig struct {
	Path        string
	OpenTimeout time.Duration
}

type Store struct {
	mu     sync.Mutex
	db     *bbolt.DB
	log    log.Logger
	config *StoreConfig
}

func Open(config *StoreConfig) (*Store, error) {
	timeout := config.OpenTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(config.Path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, store.Wrap("open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, store.Wrap("open", err)
	}
	st := &Store{db: db, config: config}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "boltstore").Str("path", config.Path).Value()
	st.log.Debug().Msg("bolt store opened")
	return st, nil
}

func key(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// handle returns the open db or ErrClosed. Callers hold st.mu.
func (st *Store) handle(op string) (*bbolt.DB, error) {
	if st.db == nil {
		return nil, store.Wrap(op, store.ErrClosed)
	}
	return st.db, nil
}

func (st *Store) Insert(ctx context.Context, rec position.Record) (position.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.handle("insert")
	if err != nil {
		return rec, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec = rec.WithSeq(seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key(seq), data)
	})
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	st.log.Trace().EmbedObject(rec).Msg("record queued")
	return rec, nil
}

func (st *Store) Oldest(ctx context.Context) (position.Record, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var rec position.Record
	var found bool
	db, err := st.handle("oldest")
	if err != nil {
		return rec, false, err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketName).Cursor().First()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return position.Record{}, false, store.Wrap("oldest", err)
	}
	return rec, found, nil
}

func (st *Store) Remove(ctx context.Context, seq uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.handle("remove")
	if err != nil {
		return err
	}
	// Delete on a missing key is a no-op in bbolt.
	err = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(seq))
	})
	return store.Wrap("remove", err)
}

func (st *Store) Len(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.handle("len")
	if err != nil {
		return 0, err
	}
	var n int
	err = db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, store.Wrap("len", err)
}

func (st *Store) Purge(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	db, err := st.handle("purge")
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, store.Wrap("purge", err)
	}
	st.log.Info().Int("count", n).Msg("queue purged")
	return n, nil
}

func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.db == nil {
		return nil
	}
	err := st.db.Close()
	st.db = nil
	return store.Wrap("close", err)
}
