// Package sample fans position fixes out to the delivery controller.
package sample

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
)

const (
	SAMPLE_PUBLISHED string = "sample_published"
	SAMPLE_REQUESTED string = "sample_requested"
)

// Feed is a SampleSource fed by Publish. Fixes arrive from the local API
// and from the NATS bridge.
type Feed struct {
	mu   sync.Mutex
	log  log.Logger
	next uint64
	subs map[uint64]func(position.Record)
	last *position.Record
	now  func() time.Time
}

func NewFeed() *Feed {
	f := &Feed{subs: make(map[uint64]func(position.Record)), now: time.Now}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "sample-feed").Value()
	return f
}

func (f *Feed) Subscribe(fn func(position.Record)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Publish hands rec to every subscriber and remembers it as the last fix.
func (f *Feed) Publish(rec position.Record) {
	f.mu.Lock()
	f.last = &rec
	fns := f.snapshot()
	f.mu.Unlock()
	f.log.Debug().Str("event", SAMPLE_PUBLISHED).EmbedObject(rec).Int("subscribers", len(fns)).Msg("")
	for _, fn := range fns {
		fn(rec)
	}
}

// RequestSample re-publishes the last fix stamped with the current time.
// There is no receiver to poll, so without a previous fix it does nothing.
func (f *Feed) RequestSample() {
	f.mu.Lock()
	if f.last == nil {
		f.mu.Unlock()
		f.log.Debug().Str("event", SAMPLE_REQUESTED).Msg("no fix yet")
		return
	}
	rec := *f.last
	rec.Time = f.now()
	rec.Alarm = ""
	rec.Seq = 0
	f.mu.Unlock()
	f.log.Debug().Str("event", SAMPLE_REQUESTED).Msg("")
	f.Publish(rec)
}

func (f *Feed) Last() (position.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return position.Record{}, false
	}
	return *f.last, true
}

func (f *Feed) snapshot() []func(position.Record) {
	fns := make([]func(position.Record), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	return fns
}
