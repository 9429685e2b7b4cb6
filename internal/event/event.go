// Package event republishes delivery results on an in-process bus so that
// the status stream, the NATS bridge and anything else can follow them
// without the controller knowing about its consumers.
package event

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
)

const (
	TopicOutcome = "delivery.outcome"
	TopicFailed  = "delivery.failed"
	TopicStatus  = "delivery.status"
)

const EMIT_FAILED string = "emit_failed"

// ids are time ordered from this epoch (2020-01-01 UTC)
const epochMillis = 1577865600000

type Outcome struct {
	Record  position.Record `json:"record"`
	Success bool            `json:"success"`
}

type Failure struct {
	Record position.Record `json:"record"`
	Reason string          `json:"reason"`
}

type Status struct {
	Message string `json:"message"`
}

// Envelope is what subscribers receive.
type Envelope struct {
	ID    string      `json:"id"`
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

type BusConfig struct {
	Node uint64
}

// Bus is a delivery.Observer that emits every call as an event.
type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func NewBus(config *BusConfig) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), config.Node, epochMillis)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicOutcome, TopicFailed, TopicStatus)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "event-bus").Value()
	return o, nil
}

func (o *Bus) emit(topic string, data interface{}) {
	if err := o.b.Emit(context.Background(), topic, data); err != nil {
		o.log.Error().Err(err).Str("event", EMIT_FAILED).Str("topic", topic).Msg("")
	}
}

func (o *Bus) OnDeliveryOutcome(rec position.Record, success bool) {
	o.emit(TopicOutcome, Outcome{Record: rec, Success: success})
}

func (o *Bus) OnDeliveryFailed(rec position.Record, reason error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	o.emit(TopicFailed, Failure{Record: rec, Reason: msg})
}

func (o *Bus) OnStatus(message string) {
	o.emit(TopicStatus, Status{Message: message})
}

// Subscribe registers fn under key for every topic matching the regular
// expression matcher. The returned func removes it.
func (o *Bus) Subscribe(key, matcher string, fn func(Envelope)) func() {
	o.b.RegisterHandler(key, bus.Handler{
		Matcher: matcher,
		Handle: func(ctx context.Context, e bus.Event) {
			fn(Envelope{ID: e.ID, Topic: e.Topic, Time: e.OccurredAt, Data: e.Data})
		},
	})
	return func() {
		o.b.DeregisterHandler(key)
	}
}
