// Package position defines the position record that flows through the
// delivery pipeline.
package position

import (
	"time"

	"github.com/phuslu/log"
)

// Record is a single location fix. Records are values and are never mutated
// once created; Seq is filled in by the store (buffered mode) or by the
// controller (direct mode) before the record is handed to the encoder.
type Record struct {
	Seq       uint64    `json:"seq"`
	DeviceID  string    `json:"device_id"`
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"` // knots
	Bearing   *float64  `json:"bearing,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Battery   *float64  `json:"battery,omitempty"` // percent
	Charging  *bool     `json:"charging,omitempty"`
	Alarm     string    `json:"alarm,omitempty"`
}

// WithSeq returns a copy of r carrying the given sequence id.
func (r Record) WithSeq(seq uint64) Record {
	r.Seq = seq
	return r
}

// WithAlarm returns a copy of r tagged with the given alarm.
func (r Record) WithAlarm(tag string) Record {
	r.Alarm = tag
	return r
}

// Float returns a pointer to v, for filling the optional fields.
func Float(v float64) *float64 {
	return &v
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

func (r Record) MarshalObject(e *log.Entry) {
	e.Uint64("seq", r.Seq).Time("fix_time", r.Time).Float64("lat", r.Latitude).Float64("lon", r.Longitude)
	if r.Alarm != "" {
		e.Str("alarm", r.Alarm)
	}
}
