package delivery

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []url.Values
	results   []error
	gate      chan struct{}
	active    int
	maxActive int
}

func (s *fakeSender) Send(ctx context.Context, req protocol.Request) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	u, _ := url.Parse(req.URL)
	s.sent = append(s.sent, u.Query())
	var err error
	if len(s.results) > 0 {
		err = s.results[0]
		s.results = s.results[1:]
	}
	return err
}

func (s *fakeSender) fail(errs ...error) {
	s.mu.Lock()
	s.results = append(s.results, errs...)
	s.mu.Unlock()
}

// lats returns the lat parameter of every request, in send order.
func (s *fakeSender) lats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, q := range s.sent {
		out = append(out, q.Get("lat"))
	}
	return out
}

func (s *fakeSender) queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.sent...)
}

func (s *fakeSender) last() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

type manualTimer struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) active() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every armed timer and returns how many ran.
func (s *manualScheduler) fire() int {
	timers := s.active()
	s.mu.Lock()
	for _, t := range timers {
		t.fired = true
	}
	s.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
	return len(timers)
}

func (s *manualScheduler) all() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*manualTimer(nil), s.timers...)
}

type outcome struct {
	lat     float64
	alarm   string
	success bool
}

type recorder struct {
	mu       sync.Mutex
	outcomes []outcome
	failures []error
	statuses []string
}

func (r *recorder) OnDeliveryOutcome(rec position.Record, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{lat: rec.Latitude, alarm: rec.Alarm, success: success})
}

func (r *recorder) OnDeliveryFailed(rec position.Record, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

func (r *recorder) OnStatus(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, message)
}

func (r *recorder) successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o.success {
			n++
		}
	}
	return n
}

func (r *recorder) lastFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return nil
	}
	return r.failures[len(r.failures)-1]
}

func (r *recorder) hasStatus(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == msg {
			return true
		}
	}
	return false
}

type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(bool)
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, subs: map[int]func(bool){}}
}

func (m *fakeMonitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *fakeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *fakeMonitor) set(online bool) {
	m.mu.Lock()
	m.online = online
	var fns []func(bool)
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (m *fakeMonitor) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type fakeSource struct {
	mu        sync.Mutex
	subs      []func(position.Record)
	requested int
}

func (s *fakeSource) Subscribe(fn func(position.Record)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		s.subs[idx] = nil
		s.mu.Unlock()
	}
}

func (s *fakeSource) RequestSample() {
	s.mu.Lock()
	s.requested++
	s.mu.Unlock()
}

func (s *fakeSource) emit(rec position.Record) {
	s.mu.Lock()
	subs := append(([]func(position.Record))(nil), s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(rec)
		}
	}
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fix(i int) position.Record {
	return position.Record{
		Time:      baseTime.Add(time.Duration(i) * time.Second),
		Latitude:  float64(i),
		Longitude: 100 + float64(i),
		Speed:     position.Float(1.5),
	}
}

func lat(i int) string {
	return strconv.Itoa(i)
}
