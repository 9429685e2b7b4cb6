// Package protocol turns position records into OsmAnd-style HTTP requests.
//
// The request is fully determined by its inputs: query keys are sorted and
// numbers are printed in their shortest exact form, so a retried record
// produces byte-identical requests.
package protocol

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"nuha.dev/gpsclient/internal/position"
)

// Optional query fields.
const (
	FieldSpeed    = "speed"
	FieldBearing  = "bearing"
	FieldAltitude = "altitude"
	FieldAccuracy = "accuracy"
	FieldBattery  = "batt"
	FieldCharge   = "charge"
)

var AllFields = []string{FieldSpeed, FieldBearing, FieldAltitude, FieldAccuracy, FieldBattery, FieldCharge}

const maxDeviceID = 64

var deviceIDPattern = regexp.MustCompile(`^[A-Z0-9._:-]+$`)

// Request is an encoded position report ready for a Sender.
type Request struct {
	Method string
	URL    string
}

// EncodingError reports input that can never be turned into a request until
// the configuration changes.
type EncodingError struct {
	Field  string
	Value  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s %q: %s", e.Field, e.Value, e.Reason)
}

// Encoder builds requests. The zero value encodes every optional field.
type Encoder struct {
	fields map[string]bool
}

// NewEncoder returns an encoder limited to the given optional fields. An
// empty list selects all of them.
func NewEncoder(fields []string) (*Encoder, error) {
	e := &Encoder{}
	if len(fields) == 0 {
		return e, nil
	}
	e.fields = make(map[string]bool, len(fields))
	for _, f := range fields {
		known := false
		for _, a := range AllFields {
			if a == f {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown protocol field %q", f)
		}
		e.fields[f] = true
	}
	return e, nil
}

func (e *Encoder) enabled(field string) bool {
	return e.fields == nil || e.fields[field]
}

// NormalizeDeviceID strips all whitespace and upper-cases the identifier.
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id))
}

func checkDeviceID(raw string) (string, error) {
	id := NormalizeDeviceID(raw)
	switch {
	case id == "":
		return "", &EncodingError{Field: "id", Value: raw, Reason: "device identifier is empty"}
	case len(id) > maxDeviceID:
		return "", &EncodingError{Field: "id", Value: raw, Reason: "device identifier is too long"}
	case !deviceIDPattern.MatchString(id):
		return "", &EncodingError{Field: "id", Value: raw, Reason: "device identifier has invalid characters"}
	}
	return id, nil
}

// ParseEndpoint checks that endpoint is an absolute http(s) base address.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, &EncodingError{Field: "endpoint", Value: endpoint, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &EncodingError{Field: "endpoint", Value: endpoint, Reason: "scheme must be http or https"}
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, &EncodingError{Field: "endpoint", Value: endpoint, Reason: "missing host"}
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, &EncodingError{Field: "endpoint", Value: endpoint, Reason: "base address must not carry a query or fragment"}
	}
	return u, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Encode builds the request for rec. alarm is added as the alarm parameter
// when non-empty and changes nothing else.
func (e *Encoder) Encode(rec position.Record, endpoint, deviceID, alarm string) (Request, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return Request{}, err
	}
	id, err := checkDeviceID(deviceID)
	if err != nil {
		return Request{}, err
	}

	q := url.Values{}
	q.Set("id", id)
	q.Set("timestamp", strconv.FormatInt(rec.Time.Unix(), 10))
	q.Set("lat", formatFloat(rec.Latitude))
	q.Set("lon", formatFloat(rec.Longitude))
	optional := []struct {
		name string
		v    *float64
	}{
		{FieldSpeed, rec.Speed},
		{FieldBearing, rec.Bearing},
		{FieldAltitude, rec.Altitude},
		{FieldAccuracy, rec.Accuracy},
		{FieldBattery, rec.Battery},
	}
	for _, o := range optional {
		if o.v != nil && e.enabled(o.name) {
			q.Set(o.name, formatFloat(*o.v))
		}
	}
	if rec.Charging != nil && e.enabled(FieldCharge) {
		q.Set(FieldCharge, strconv.FormatBool(*rec.Charging))
	}
	if alarm != "" {
		q.Set("alarm", alarm)
	}

	out := *u
	if out.Path == "" {
		out.Path = "/"
	}
	out.RawQuery = q.Encode()
	return Request{Method: http.MethodGet, URL: out.String()}, nil
}
