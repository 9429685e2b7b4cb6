// Package connectivity reports whether the delivery endpoint is reachable.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/protocol"
)

const (
	ONLINE  string = "endpoint_online"
	OFFLINE string = "endpoint_offline"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(bool))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) notify(online bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Static is a monitor whose state only changes through Set. It backs the
// manual override of the local API when probing is disabled.
type Static struct {
	mu     sync.Mutex
	online bool
	subs   listeners
}

func NewStatic(online bool) *Static {
	return &Static{online: online}
}

func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Static) Subscribe(fn func(bool)) func() {
	return s.subs.add(fn)
}

func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.subs.notify(online)
	}
}

type ProberConfig struct {
	Endpoint string
	Interval time.Duration
	Timeout  time.Duration
}

// Prober dials the endpoint's host and port at a fixed interval and treats
// a completed TCP handshake as online.
type Prober struct {
	mu     sync.Mutex
	log    log.Logger
	config ProberConfig
	addr   string
	dialer net.Dialer
	online bool
	subs   listeners
}

func NewProber(config *ProberConfig) (*Prober, error) {
	u, err := protocol.ParseEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}
	p := &Prober{config: *config, online: true}
	if p.config.Interval <= 0 {
		p.config.Interval = DefaultProbeInterval
	}
	if p.config.Timeout <= 0 {
		p.config.Timeout = DefaultProbeTimeout
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	p.addr = net.JoinHostPort(u.Hostname(), port)
	p.dialer = net.Dialer{Timeout: p.config.Timeout}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "connectivity").Str("addr", p.addr).Value()
	return p, nil
}

func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Prober) Subscribe(fn func(bool)) func() {
	return p.subs.add(fn)
}

// Probe dials once and publishes the result if it differs from the last one.
func (p *Prober) Probe(ctx context.Context) bool {
	online := true
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		online = false
	} else {
		conn.Close()
	}

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()
	if changed {
		if online {
			p.log.Info().Str("event", ONLINE).Msg("")
		} else {
			p.log.Warn().Str("event", OFFLINE).Err(err).Msg("")
		}
		p.subs.notify(online)
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.config.Interval).Msg("starting connectivity probe")
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
