// Package pgstore keeps the queue in a PostgreSQL table. It suits gateway
// deployments where several forwarders share one database.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/store"
)

type StoreConfig struct {
	URL   string
	Table string
}

type Store struct {
	mu     sync.Mutex
	config *StoreConfig
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
	closed bool
}

func Open(ctx context.Context, config *StoreConfig) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, config.URL)
	if err != nil {
		return nil, store.Wrap("open", err)
	}
	st, err := NewStore(ctx, pool, config)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// NewStore uses an existing pool and creates the queue table when missing.
func NewStore(ctx context.Context, db *pgxpool.Pool, config *StoreConfig) (*Store, error) {
	o := &Store{}
	o.config = config
	o.dbp = db
	name := config.Table
	if name == "" {
		name = "position_queue"
	}
	o.table = pgx.Identifier{name}.Sanitize()
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Str("table", name).Value()
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+o.table+` (
		seq     BIGSERIAL PRIMARY KEY,
		payload JSONB NOT NULL
	)`)
	if err != nil {
		return nil, store.Wrap("open", err)
	}
	return o, nil
}

func (st *Store) check(op string) error {
	if st.closed {
		return store.Wrap(op, store.ErrClosed)
	}
	return nil
}

func (st *Store) Insert(ctx context.Context, rec position.Record) (position.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("insert"); err != nil {
		return rec, err
	}
	tx, err := st.dbp.Begin(ctx)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	defer tx.Rollback(ctx)
	var seq int64
	err = tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence($1, 'seq'))`, st.table).Scan(&seq)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	rec = rec.WithSeq(uint64(seq))
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+st.table+` (seq, payload) VALUES ($1, $2)`, seq, data); err != nil {
		return rec, store.Wrap("insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return rec, store.Wrap("insert", err)
	}
	st.log.Trace().EmbedObject(rec).Msg("record queued")
	return rec, nil
}

func (st *Store) Oldest(ctx context.Context) (position.Record, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var rec position.Record
	if err := st.check("oldest"); err != nil {
		return rec, false, err
	}
	var payload []byte
	err := st.dbp.QueryRow(ctx, `SELECT payload FROM `+st.table+` ORDER BY seq LIMIT 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, store.Wrap("oldest", err)
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return position.Record{}, false, store.Wrap("oldest", err)
	}
	return rec, true, nil
}

func (st *Store) Remove(ctx context.Context, seq uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("remove"); err != nil {
		return err
	}
	_, err := st.dbp.Exec(ctx, `DELETE FROM `+st.table+` WHERE seq = $1`, int64(seq))
	return store.Wrap("remove", err)
}

func (st *Store) Len(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("len"); err != nil {
		return 0, err
	}
	var n int
	err := st.dbp.QueryRow(ctx, `SELECT COUNT(*) FROM `+st.table).Scan(&n)
	return n, store.Wrap("len", err)
}

func (st *Store) Purge(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("purge"); err != nil {
		return 0, err
	}
	tag, err := st.dbp.Exec(ctx, `DELETE FROM `+st.table)
	if err != nil {
		return 0, store.Wrap("purge", err)
	}
	st.log.Info().Int64("count", tag.RowsAffected()).Msg("queue purged")
	return int(tag.RowsAffected()), nil
}

func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.dbp.Close()
	return nil
}
