// Package memstore keeps the queue in process memory. Nothing survives a
// restart; it backs tests and deployments that accept losing the backlog.
package memstore

import (
	"context"
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/store"
)

type MemStore struct {
	mu     sync.Mutex
	log    log.Logger
	recs   []position.Record
	seq    uint64
	closed bool
}

func NewStore() *MemStore {
	m := &MemStore{}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "memstore").Value()
	return m
}

func (m *MemStore) Insert(ctx context.Context, rec position.Record) (position.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return rec, store.Wrap("insert", store.ErrClosed)
	}
	m.seq++
	rec = rec.WithSeq(m.seq)
	m.recs = append(m.recs, rec)
	m.log.Trace().EmbedObject(rec).Msg("record queued")
	return rec, nil
}

func (m *MemStore) Oldest(ctx context.Context) (position.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return position.Record{}, false, store.Wrap("oldest", store.ErrClosed)
	}
	if len(m.recs) == 0 {
		return position.Record{}, false, nil
	}
	return m.recs[0], true, nil
}

func (m *MemStore) Remove(ctx context.Context, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return store.Wrap("remove", store.ErrClosed)
	}
	for i := range m.recs {
		if m.recs[i].Seq == seq {
			m.recs = append(m.recs[:i], m.recs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemStore) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, store.Wrap("len", store.ErrClosed)
	}
	return len(m.recs), nil
}

func (m *MemStore) Purge(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, store.Wrap("purge", store.ErrClosed)
	}
	n := len(m.recs)
	m.recs = nil
	return n, nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
