package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/gpsclient/internal/event"
	"nuha.dev/gpsclient/internal/util"
)

// TopicSnapshot is the first message on every stream connection.
const TopicSnapshot = "status.snapshot"

type subscriber interface {
	// Push queues data; true means the subscriber is gone.
	Push(data []byte) bool
	Close()
}

type sublist struct {
	mu   sync.Mutex
	list map[subscriber]bool
}

func newSublist() *sublist {
	return &sublist{list: make(map[subscriber]bool)}
}

func (s *sublist) Subscribe(sub subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	s.mu.Unlock()
}

func (s *sublist) Unsubscribe(sub subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *sublist) Send(d []byte) {
	s.mu.Lock()
	for sub := range s.list {
		closed := sub.Push(d)
		if closed {
			delete(s.list, sub)
		}
	}
	s.mu.Unlock()
}

func (s *sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *sublist) Close() {
	s.mu.Lock()
	for sub := range s.list {
		sub.Close()
		delete(s.list, sub)
	}
	s.mu.Unlock()
}

type streamClient struct {
	id      string
	log     log.Logger
	lock    sync.Mutex
	closed  bool
	out     chan []byte
	done    chan struct{}
	pushed  uint64
	skipped uint64
}

func newStreamClient() *streamClient {
	sc := &streamClient{id: util.GenUUID(), out: make(chan []byte, 32), done: make(chan struct{})}
	sc.log = log.DefaultLogger
	sc.log.Context = log.NewContext(nil).Str("module", "api-stream").Str("client_id", sc.id).Value()
	return sc
}

// Push never blocks: a slow reader loses messages instead of stalling the
// publisher.
func (sc *streamClient) Push(data []byte) bool {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if sc.closed {
		return true
	}
	select {
	case sc.out <- data:
		atomic.AddUint64(&sc.pushed, 1)
	default:
		atomic.AddUint64(&sc.skipped, 1)
	}
	return false
}

func (sc *streamClient) Close() {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	if !sc.closed {
		sc.closed = true
		close(sc.done)
	}
}

func (sc *streamClient) writeLoop(ctx context.Context, c *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sc.done:
			return nil
		case d := <-sc.out:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (api *Api) serveStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		api.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	sc := newStreamClient()
	sc.log.Info().Msg("stream client connected")

	snapshot, _ := json.Marshal(event.Envelope{Topic: TopicSnapshot, Time: time.Now().UTC(), Data: api.ctl.Status()})
	sc.Push(snapshot)
	api.stream.Subscribe(sc)
	defer api.stream.Unsubscribe(sc)

	// the client sends nothing; CloseRead notices when it goes away
	ctx := c.CloseRead(r.Context())
	err = sc.writeLoop(ctx, c)
	sc.Close()
	sc.log.Info().Err(err).Uint64("pushed", atomic.LoadUint64(&sc.pushed)).Uint64("skipped", atomic.LoadUint64(&sc.skipped)).Msg("stream client disconnected")
	c.Close(websocket.StatusNormalClosure, "")
}
