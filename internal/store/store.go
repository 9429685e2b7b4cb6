package store

import (
	"context"
	"errors"
	"fmt"

	"nuha.dev/gpsclient/internal/position"
)

var ErrClosed = errors.New("store closed")

// Store is the durable FIFO of records that have not been acknowledged by
// the server yet. Records come out of Oldest in the order they went into
// Insert. Implementations serialize their own operations.
type Store interface {
	// Insert appends rec and returns it with its assigned sequence id.
	Insert(ctx context.Context, rec position.Record) (position.Record, error)
	// Oldest returns the earliest record without removing it.
	Oldest(ctx context.Context) (position.Record, bool, error)
	// Remove deletes the record with the given sequence id. Removing a
	// record that is already gone is not an error.
	Remove(ctx context.Context, seq uint64) error
	Len(ctx context.Context) (int, error)
	// Purge drops every queued record and reports how many were dropped.
	Purge(ctx context.Context) (int, error)
	Close() error
}

// Error is returned by every store operation that failed to reach or
// change durable storage.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}
