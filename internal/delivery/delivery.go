// Package delivery is the store-and-forward state machine that decides, for
// every position sample, whether to buffer, send, retry or drop it.
//
// In Buffered mode records go through a durable store and are delivered
// strictly in insertion order, at least once, retrying forever at a fixed
// delay. In Direct mode each sample gets exactly one attempt and is lost on
// failure. In both modes at most one exchange is in flight.
package delivery

import (
	"context"
	"errors"
	"time"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/protocol"
)

type Mode int

const (
	Direct Mode = iota
	Buffered
)

func (m Mode) String() string {
	if m == Buffered {
		return "buffered"
	}
	return "direct"
}

type State int

const (
	Stopped State = iota
	Idle
	Sending
	RetryScheduled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case RetryScheduled:
		return "retry_scheduled"
	default:
		return "stopped"
	}
}

const (
	DefaultRetryDelay = 30 * time.Second
	DefaultAlarmTag   = "SOS"
)

var (
	ErrStopped = errors.New("delivery stopped")
	ErrOffline = errors.New("offline")
)

// Encoder turns a record into a wire request.
type Encoder interface {
	Encode(rec position.Record, endpoint, deviceID, alarm string) (protocol.Request, error)
}

// Sender performs one exchange with the server.
type Sender interface {
	Send(ctx context.Context, req protocol.Request) error
}

// SampleSource pushes position fixes. RequestSample asks for a fresh fix
// outside the normal cadence.
type SampleSource interface {
	Subscribe(fn func(position.Record)) (cancel func())
	RequestSample()
}

// ConnectivityMonitor reports online/offline transitions.
type ConnectivityMonitor interface {
	Subscribe(fn func(online bool)) (cancel func())
	Online() bool
}

type Config struct {
	Mode       Mode
	Endpoint   string
	DeviceID   string
	RetryDelay time.Duration
	AlarmTag   string
}

// Status is a point-in-time copy of the controller state.
type Status struct {
	State          State  `json:"-"`
	StateName      string `json:"state"`
	Mode           string `json:"mode"`
	Online         bool   `json:"online"`
	WaitingForData bool   `json:"waiting_for_data"`
	SendingAlarm   bool   `json:"sending_alarm"`
	Deferred       int    `json:"deferred_events"`
}
