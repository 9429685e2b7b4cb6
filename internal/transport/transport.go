// Package transport performs the single network exchange for an encoded
// position request. It never retries; that is the delivery controller's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/protocol"
)

const DefaultTimeout = 10 * time.Second

// Error is a failed exchange: network error, timeout or non-2xx status.
type Error struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("send %s: timed out", e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("send %s: server returned %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("send %s: %v", e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

type SenderConfig struct {
	Timeout time.Duration
}

// HTTPSender sends requests with net/http.
type HTTPSender struct {
	client *http.Client
	config *SenderConfig
	log    log.Logger
}

func NewHTTPSender(config *SenderConfig) *HTTPSender {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	s := &HTTPSender{config: config}
	s.client = &http.Client{Timeout: config.Timeout}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "transport").Value()
	return s
}

func (s *HTTPSender) Send(ctx context.Context, req protocol.Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return &Error{URL: req.URL, Err: err}
	}
	t0 := time.Now()
	resp, err := s.client.Do(hreq)
	if err != nil {
		terr := &Error{URL: req.URL, Err: err}
		var nerr interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			terr.Timeout = true
		}
		return terr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	s.log.Debug().Int("status", resp.StatusCode).Dur("time_taken", time.Since(t0)).Msg("exchange finished")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{URL: req.URL, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}
