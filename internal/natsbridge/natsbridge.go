// Package natsbridge connects the client to a NATS broker: fixes published
// on a subject are fed to the controller and delivery events are published
// back out.
package natsbridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/event"
	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/sample"
)

const (
	SAMPLE_RECEIVED string = "nats_sample_received"
	SAMPLE_INVALID  string = "nats_sample_invalid"
	PUBLISH_FAILED  string = "nats_publish_failed"
	DISCONNECTED    string = "nats_disconnected"
	RECONNECTED     string = "nats_reconnected"
)

type BridgeConfig struct {
	URL           string
	Name          string
	SampleSubject string
	EventPrefix   string
}

// Publisher receives decoded fixes.
type Publisher interface {
	Publish(rec position.Record)
}

type Bridge struct {
	nc        *nats.Conn
	config    BridgeConfig
	log       log.Logger
	parser    *sample.Parser
	sub       *nats.Subscription
	cancelBus func()
}

func newLogger() log.Logger {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "natsbridge").Value()
	return l
}

// Connect dials the broker with unlimited reconnects.
func Connect(config *BridgeConfig) (*Bridge, error) {
	l := newLogger()
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Str("event", DISCONNECTED).Msg("")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("event", RECONNECTED).Str("url", c.ConnectedUrl()).Msg("")
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewBridge(nc, config), nil
}

func NewBridge(nc *nats.Conn, config *BridgeConfig) *Bridge {
	b := &Bridge{nc: nc, config: *config, parser: sample.NewParser()}
	b.log = newLogger()
	return b
}

// Start subscribes to the sample subject when one is configured and
// forwards every bus event to EventPrefix.<topic> when a prefix is set.
func (b *Bridge) Start(feed Publisher, events *event.Bus) error {
	if b.config.SampleSubject != "" {
		if feed == nil {
			return errors.New("natsbridge: sample subject set without a feed")
		}
		sub, err := b.nc.Subscribe(b.config.SampleSubject, func(m *nats.Msg) {
			rec, err := b.parser.Parse(m.Data)
			if err != nil {
				b.log.Warn().Err(err).Str("event", SAMPLE_INVALID).Str("subject", m.Subject).Msg("")
				return
			}
			b.log.Debug().Str("event", SAMPLE_RECEIVED).EmbedObject(rec).Msg("")
			feed.Publish(rec)
		})
		if err != nil {
			return err
		}
		b.sub = sub
	}
	if b.config.EventPrefix != "" && events != nil {
		b.cancelBus = events.Subscribe("natsbridge", ".*", b.forward)
	}
	b.log.Info().Str("samples", b.config.SampleSubject).Str("events", b.config.EventPrefix).Msg("nats bridge started")
	return nil
}

func (b *Bridge) forward(e event.Envelope) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Error().Err(err).Str("event", PUBLISH_FAILED).Msg("")
		return
	}
	if err := b.nc.Publish(b.config.EventPrefix+"."+e.Topic, data); err != nil {
		b.log.Error().Err(err).Str("event", PUBLISH_FAILED).Str("topic", e.Topic).Msg("")
	}
}

// Close stops forwarding and drains the connection.
func (b *Bridge) Close() error {
	if b.cancelBus != nil {
		b.cancelBus()
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}
