// Package storetest holds the behaviour every store.Store implementation has
// to show. Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/store"
)

// Opener opens the store identified by name. Opening the same name twice
// must reach the same underlying data, so durability can be checked by
// closing and reopening.
type Opener func(t *testing.T, name string) store.Store

// Options switches off checks that do not apply to a driver.
type Options struct {
	NotDurable bool
}

func sample(i int) position.Record {
	return position.Record{
		DeviceID:  "TEST01",
		Time:      time.Unix(1700000000+int64(i), 0).UTC(),
		Latitude:  -33.9 + float64(i)/1000,
		Longitude: 18.4 + float64(i)/1000,
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, open Opener, opts Options) {
	ctx := context.Background()

	t.Run("EmptyOldest", func(t *testing.T) {
		s := open(t, "empty")
		_, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("FIFO", func(t *testing.T) {
		s := open(t, "fifo")
		var seqs []uint64
		for i := 0; i < 5; i++ {
			rec, err := s.Insert(ctx, sample(i))
			require.NoError(t, err)
			seqs = append(seqs, rec.Seq)
		}
		for i := 0; i < 5; i++ {
			rec, ok, err := s.Oldest(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, seqs[i], rec.Seq)
			assert.True(t, sample(i).Time.Equal(rec.Time))
			require.NoError(t, s.Remove(ctx, rec.Seq))
		}
		_, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SeqIncreasing", func(t *testing.T) {
		s := open(t, "seq")
		prev, err := s.Insert(ctx, sample(0))
		require.NoError(t, err)
		assert.NotZero(t, prev.Seq)
		for i := 1; i < 4; i++ {
			rec, err := s.Insert(ctx, sample(i))
			require.NoError(t, err)
			assert.Greater(t, rec.Seq, prev.Seq)
			prev = rec
		}
	})

	t.Run("OldestIsIdempotent", func(t *testing.T) {
		s := open(t, "peek")
		_, err := s.Insert(ctx, sample(1))
		require.NoError(t, err)
		_, err = s.Insert(ctx, sample(2))
		require.NoError(t, err)
		a, _, err := s.Oldest(ctx)
		require.NoError(t, err)
		b, _, err := s.Oldest(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.Seq, b.Seq)
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := open(t, "remove")
		r1, err := s.Insert(ctx, sample(1))
		require.NoError(t, err)
		r2, err := s.Insert(ctx, sample(2))
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, r1.Seq))
		require.NoError(t, s.Remove(ctx, r1.Seq))
		require.NoError(t, s.Remove(ctx, 987654))
		rec, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, r2.Seq, rec.Seq)
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("RemoveOutOfOrder", func(t *testing.T) {
		s := open(t, "middle")
		r1, err := s.Insert(ctx, sample(1))
		require.NoError(t, err)
		r2, err := s.Insert(ctx, sample(2))
		require.NoError(t, err)
		r3, err := s.Insert(ctx, sample(3))
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, r2.Seq))
		rec, _, err := s.Oldest(ctx)
		require.NoError(t, err)
		assert.Equal(t, r1.Seq, rec.Seq)
		require.NoError(t, s.Remove(ctx, r1.Seq))
		rec, _, err = s.Oldest(ctx)
		require.NoError(t, err)
		assert.Equal(t, r3.Seq, rec.Seq)
	})

	t.Run("Fields", func(t *testing.T) {
		s := open(t, "fields")
		in := sample(9)
		in.Speed = position.Float(10.5)
		in.Bearing = position.Float(271)
		in.Altitude = position.Float(-3.25)
		in.Battery = position.Float(88)
		in.Charging = position.Bool(false)
		in.Alarm = "SOS"
		_, err := s.Insert(ctx, in)
		require.NoError(t, err)
		out, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, in.DeviceID, out.DeviceID)
		assert.Equal(t, in.Latitude, out.Latitude)
		assert.Equal(t, in.Longitude, out.Longitude)
		require.NotNil(t, out.Speed)
		assert.Equal(t, 10.5, *out.Speed)
		require.NotNil(t, out.Altitude)
		assert.Equal(t, -3.25, *out.Altitude)
		require.NotNil(t, out.Charging)
		assert.False(t, *out.Charging)
		assert.Nil(t, out.Accuracy)
		assert.Equal(t, "SOS", out.Alarm)
	})

	t.Run("Purge", func(t *testing.T) {
		s := open(t, "purge")
		for i := 0; i < 3; i++ {
			_, err := s.Insert(ctx, sample(i))
			require.NoError(t, err)
		}
		n, err := s.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		_, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentInsert", func(t *testing.T) {
		s := open(t, "concurrent")
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := s.Insert(ctx, sample(g*10+i))
					assert.NoError(t, err)
				}
			}(g)
		}
		wg.Wait()
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 40, n)
		var last uint64
		for {
			rec, ok, err := s.Oldest(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			assert.Greater(t, rec.Seq, last)
			last = rec.Seq
			require.NoError(t, s.Remove(ctx, rec.Seq))
		}
	})

	t.Run("ClosedReportsStoreError", func(t *testing.T) {
		s := open(t, "closed")
		require.NoError(t, s.Close())
		_, err := s.Insert(ctx, sample(1))
		require.Error(t, err)
		var se *store.Error
		assert.True(t, errors.As(err, &se))
	})

	if opts.NotDurable {
		return
	}

	t.Run("SurvivesReopen", func(t *testing.T) {
		s := open(t, "durable")
		r1, err := s.Insert(ctx, sample(1))
		require.NoError(t, err)
		r2, err := s.Insert(ctx, sample(2))
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, r1.Seq))
		require.NoError(t, s.Close())

		s = open(t, "durable")
		rec, ok, err := s.Oldest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, r2.Seq, rec.Seq)
		r3, err := s.Insert(ctx, sample(3))
		require.NoError(t, err)
		assert.Greater(t, r3.Seq, r2.Seq)
	})
}
