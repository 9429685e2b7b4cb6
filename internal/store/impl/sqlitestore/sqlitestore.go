// Package sqlitestore keeps the queue in a SQLite database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/store"
)

// AUTOINCREMENT keeps sequence ids from being reused after the queue drains.
const schema = `CREATE TABLE IF NOT EXISTS positions (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL
)`

type StoreConfig struct {
	Path string
}

type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	log    log.Logger
	closed bool
}

func Open(config *StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, store.Wrap("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, store.Wrap("open", fmt.Errorf("%s: %w", p, err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, store.Wrap("open", err)
	}
	st := &Store{db: db}
	st.log = log.DefaultLogger
	st.log.Context = log.NewContext(nil).Str("module", "sqlitestore").Str("path", config.Path).Value()
	return st, nil
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
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO positions (payload) VALUES ('')`)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	rec = rec.WithSeq(uint64(id))
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, store.Wrap("insert", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE positions SET payload = ? WHERE seq = ?`, string(data), id); err != nil {
		return rec, store.Wrap("insert", err)
	}
	if err := tx.Commit(); err != nil {
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
	var payload string
	err := st.db.QueryRowContext(ctx, `SELECT payload FROM positions ORDER BY seq LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, store.Wrap("oldest", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
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
	_, err := st.db.ExecContext(ctx, `DELETE FROM positions WHERE seq = ?`, int64(seq))
	return store.Wrap("remove", err)
}

func (st *Store) Len(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("len"); err != nil {
		return 0, err
	}
	var n int
	err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n)
	return n, store.Wrap("len", err)
}

func (st *Store) Purge(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.check("purge"); err != nil {
		return 0, err
	}
	res, err := st.db.ExecContext(ctx, `DELETE FROM positions`)
	if err != nil {
		return 0, store.Wrap("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Wrap("purge", err)
	}
	st.log.Info().Int64("count", n).Msg("queue purged")
	return int(n), nil
}

func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	return store.Wrap("close", st.db.Close())
}
