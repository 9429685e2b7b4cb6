package sample

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"nuha.dev/gpsclient/internal/position"
)

// Fix is the JSON form of a sample accepted by the local API and the NATS
// bridge. A missing time means "now". There is no device field: every
// record is sent under the configured device id.
type Fix struct {
	Time      *time.Time `json:"time"`
	Latitude  *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Speed     *float64   `json:"speed" validate:"omitempty,gte=0"`
	Bearing   *float64   `json:"bearing" validate:"omitempty,gte=0,lt=360"`
	Altitude  *float64   `json:"altitude"`
	Accuracy  *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	Battery   *float64   `json:"battery" validate:"omitempty,gte=0,lte=100"`
	Charging  *bool      `json:"charging"`
}

type Parser struct {
	vld *validator.Validate
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{vld: validator.New(), now: time.Now}
}

// Parse decodes and validates a JSON fix.
func (p *Parser) Parse(data []byte) (position.Record, error) {
	var f Fix
	if err := json.Unmarshal(data, &f); err != nil {
		return position.Record{}, fmt.Errorf("decode fix: %w", err)
	}
	return p.Record(&f)
}

func (p *Parser) Record(f *Fix) (position.Record, error) {
	if err := p.vld.Struct(f); err != nil {
		return position.Record{}, err
	}
	rec := position.Record{
		Latitude:  *f.Latitude,
		Longitude: *f.Longitude,
		Speed:     f.Speed,
		Bearing:   f.Bearing,
		Altitude:  f.Altitude,
		Accuracy:  f.Accuracy,
		Battery:   f.Battery,
		Charging:  f.Charging,
	}
	if f.Time != nil {
		rec.Time = f.Time.UTC()
	} else {
		rec.Time = p.now().UTC()
	}
	return rec, nil
}
