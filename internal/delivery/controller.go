package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/protocol"
	"nuha.dev/gpsclient/internal/store"
)

const (
	EVENT_STARTED         string = "delivery_started"
	EVENT_STOPPED         string = "delivery_stopped"
	EVENT_SENT            string = "position_sent"
	EVENT_SEND_FAILED     string = "position_send_failed"
	EVENT_DROPPED         string = "position_dropped"
	EVENT_RETRY_SCHEDULED string = "retry_scheduled"
	EVENT_CONNECTIVITY    string = "connectivity_change"
	EVENT_ALARM           string = "alarm"
	EVENT_STORE_ERROR     string = "store_error"
)

// job is one exchange handed to the executor.
type job struct {
	rec position.Record
	req protocol.Request
}

func (j *job) MarshalObject(e *log.Entry) {
	e.EmbedObject(j.rec)
}

// Controller is the delivery state machine. Every transition runs under mu;
// the network exchange runs outside it, and events that arrive while an
// exchange is in flight are queued and replayed once it completes.
type Controller struct {
	mu     sync.Mutex
	config Config
	log    log.Logger
	store  store.Store
	enc    Encoder
	snd    Sender
	src    SampleSource
	mon    ConnectivityMonitor
	obs    Observer
	sched  Scheduler
	exec   func(func())

	stopped  bool
	online   bool
	waiting  bool
	alarm    bool
	inFlight bool
	retry    Timer
	retryGen uint64
	seq      uint64
	pending  []func() *job
	notes    []func()

	subMu     sync.Mutex
	cancelSrc func()
	cancelMon func()

	wg sync.WaitGroup
}

type Option func(*Controller)

func WithSampleSource(src SampleSource) Option {
	return func(c *Controller) { c.src = src }
}

func WithConnectivityMonitor(mon ConnectivityMonitor) Option {
	return func(c *Controller) { c.mon = mon }
}

func WithObserver(obs Observer) Option {
	return func(c *Controller) { c.obs = obs }
}

func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// WithExecutor sets how in-flight exchanges are run. The default starts a
// goroutine per exchange chain.
func WithExecutor(exec func(func())) Option {
	return func(c *Controller) { c.exec = exec }
}

type nopObserver struct{}

func (nopObserver) OnDeliveryOutcome(position.Record, bool)  {}
func (nopObserver) OnDeliveryFailed(position.Record, error) {}
func (nopObserver) OnStatus(string)                         {}

// New builds a stopped controller. st may be nil in Direct mode.
func New(config *Config, st store.Store, enc Encoder, snd Sender, opts ...Option) (*Controller, error) {
	if config.Mode == Buffered && st == nil {
		return nil, errors.New("delivery: buffered mode needs a store")
	}
	if enc == nil || snd == nil {
		return nil, errors.New("delivery: encoder and sender are required")
	}
	c := &Controller{config: *config, store: st, enc: enc, snd: snd, stopped: true}
	if c.config.RetryDelay <= 0 {
		c.config.RetryDelay = DefaultRetryDelay
	}
	if c.config.AlarmTag == "" {
		c.config.AlarmTag = DefaultAlarmTag
	}
	c.obs = nopObserver{}
	c.sched = wallClock{}
	c.exec = func(f func()) { go f() }
	for _, opt := range opts {
		opt(c)
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "delivery").Str("mode", c.config.Mode.String()).Value()
	return c, nil
}

func (c *Controller) buffered() bool {
	return c.config.Mode == Buffered
}

// unlock releases mu and then delivers the observer notifications queued
// while it was held.
func (c *Controller) unlock() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (c *Controller) status(msg string) {
	c.notes = append(c.notes, func() { c.obs.OnStatus(msg) })
}

func (c *Controller) succeeded(rec position.Record) {
	c.notes = append(c.notes, func() { c.obs.OnDeliveryOutcome(rec, true) })
}

func (c *Controller) failed(rec position.Record, reason error) {
	msg := StatusSendFailed
	var se *store.Error
	if errors.As(reason, &se) {
		msg = StatusStoreFailed
	}
	c.notes = append(c.notes, func() {
		c.obs.OnDeliveryFailed(rec, reason)
		c.obs.OnDeliveryOutcome(rec, false)
		c.obs.OnStatus(msg)
	})
}

// submit runs ev now, or queues it when an exchange is in flight.
func (c *Controller) submit(ev func() *job) *job {
	if c.inFlight {
		c.pending = append(c.pending, ev)
		return nil
	}
	return ev()
}

func (c *Controller) dispatch(j *job) {
	if j == nil {
		return
	}
	c.wg.Add(1)
	c.exec(func() { c.run(j) })
}

// run drives a chain of exchanges: each completion may hand out the next
// record, and queued events are replayed between exchanges.
func (c *Controller) run(j *job) {
	defer c.wg.Done()
	for j != nil {
		err := c.snd.Send(context.Background(), j.req)
		c.mu.Lock()
		j = c.complete(j, err)
		for j == nil && !c.inFlight && len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			j = ev()
		}
		c.unlock()
	}
}

// Start arms the sample and connectivity subscriptions and, in buffered
// mode, resumes delivery of whatever is queued.
func (c *Controller) Start() {
	c.mu.Lock()
	if !c.stopped {
		c.unlock()
		return
	}
	c.stopped = false
	c.online = c.mon == nil || c.mon.Online()
	c.log.Info().Str("event", EVENT_STARTED).Bool("online", c.online).Msg("")
	var j *job
	if c.buffered() {
		j = c.submit(c.read)
	}
	c.unlock()
	c.arm()
	c.dispatch(j)
	if c.mon != nil {
		// catch a transition that happened before the subscription existed
		c.OnConnectivityChange(c.mon.Online())
	}
}

// Stop cancels the pending retry and the subscriptions. An exchange already
// in flight is left to finish; its completion will not schedule anything.
// Queued records stay in the store.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.unlock()
		return
	}
	c.stopped = true
	c.waiting = false
	c.cancelRetry()
	c.log.Info().Str("event", EVENT_STOPPED).Bool("in_flight", c.inFlight).Msg("")
	c.unlock()
	c.disarm()
}

// Wait blocks until no exchange is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) arm() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.src != nil && c.cancelSrc == nil {
		c.cancelSrc = c.src.Subscribe(func(rec position.Record) {
			_ = c.OnSample(rec)
		})
	}
	if c.mon != nil && c.cancelMon == nil {
		c.cancelMon = c.mon.Subscribe(c.OnConnectivityChange)
	}
}

func (c *Controller) disarm() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.cancelSrc != nil {
		c.cancelSrc()
		c.cancelSrc = nil
	}
	if c.cancelMon != nil {
		c.cancelMon()
		c.cancelMon = nil
	}
}

// OnSample accepts a new fix. In buffered mode the record is stored before
// OnSample returns and a store failure is returned to the caller.
func (c *Controller) OnSample(rec position.Record) error {
	c.mu.Lock()
	c.status(StatusLocationUpdate)
	// The tag belongs to the record from here on. Records queued before
	// OnAlarmTrigger go out untagged and retries re-encode the same query.
	if c.alarm {
		rec = rec.WithAlarm(c.config.AlarmTag)
	}
	rec.DeviceID = protocol.NormalizeDeviceID(c.config.DeviceID)

	if c.buffered() {
		if _, err := c.store.Insert(context.Background(), rec); err != nil {
			c.log.Error().Err(err).Str("event", EVENT_STORE_ERROR).EmbedObject(rec).Msg("unable to queue record")
			c.failed(rec, err)
			c.unlock()
			return err
		}
		c.waiting = false
		j := c.submit(c.readIfIdle)
		c.unlock()
		c.dispatch(j)
		return nil
	}

	c.seq++
	rec = rec.WithSeq(c.seq)
	if c.stopped {
		c.drop(rec, ErrStopped)
		c.unlock()
		return ErrStopped
	}
	j := c.submit(func() *job {
		switch {
		case c.stopped:
			c.drop(rec, ErrStopped)
			return nil
		case !c.online:
			c.drop(rec, ErrOffline)
			return nil
		}
		return c.trySend(rec)
	})
	c.unlock()
	c.dispatch(j)
	return nil
}

func (c *Controller) drop(rec position.Record, reason error) {
	c.log.Warn().Str("event", EVENT_DROPPED).Err(reason).EmbedObject(rec).Msg("")
	c.failed(rec, reason)
}

// OnConnectivityChange records the new state. Coming back online sends the
// oldest queued record at once, cancelling any retry back-off. Going
// offline leaves an in-flight exchange alone.
func (c *Controller) OnConnectivityChange(online bool) {
	c.mu.Lock()
	prev := c.online
	if prev == online {
		c.unlock()
		return
	}
	c.online = online
	if !online {
		c.waiting = false
	}
	c.status(StatusConnectivityChange)
	c.log.Info().Str("event", EVENT_CONNECTIVITY).Bool("online", online).Msg("")
	var j *job
	if online && !c.stopped && c.buffered() {
		j = c.submit(c.recover)
	}
	c.unlock()
	c.dispatch(j)
}

// OnAlarmTrigger marks samples as alarms until OnAlarmEnd and asks the
// source for an immediate fix. A stopped controller is started.
func (c *Controller) OnAlarmTrigger() {
	c.mu.Lock()
	c.alarm = true
	stopped := c.stopped
	c.status(StatusAlarmTriggered)
	c.log.Warn().Str("event", EVENT_ALARM).Str("alarm", c.config.AlarmTag).Msg("alarm triggered")
	c.unlock()
	if stopped {
		c.Start()
	}
	if c.src != nil {
		c.src.RequestSample()
	}
}

func (c *Controller) OnAlarmEnd() {
	c.mu.Lock()
	if c.alarm {
		c.alarm = false
		c.status(StatusAlarmEnded)
		c.log.Info().Str("event", EVENT_ALARM).Msg("alarm ended")
	}
	c.unlock()
}

// SetDeviceID replaces the identifier used for encoding. Records that
// failed to encode are picked up again by the next retry.
func (c *Controller) SetDeviceID(id string) {
	c.mu.Lock()
	c.config.DeviceID = id
	c.unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Controller) state() State {
	switch {
	case c.stopped:
		return Stopped
	case c.inFlight:
		return Sending
	case c.retry != nil:
		return RetryScheduled
	default:
		return Idle
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state()
	return Status{
		State:          s,
		StateName:      s.String(),
		Mode:           c.config.Mode.String(),
		Online:         c.online,
		WaitingForData: c.waiting,
		SendingAlarm:   c.alarm,
		Deferred:       len(c.pending),
	}
}

// The methods below run with mu held.

func (c *Controller) readIfIdle() *job {
	if c.stopped || !c.online || c.retry != nil {
		return nil
	}
	return c.read()
}

func (c *Controller) recover() *job {
	if c.stopped || !c.online {
		return nil
	}
	c.cancelRetry()
	return c.read()
}

// read sends the oldest queued record, or marks the controller as waiting
// for data when the store is empty.
func (c *Controller) read() *job {
	if c.stopped || !c.online || c.inFlight {
		return nil
	}
	rec, ok, err := c.store.Oldest(context.Background())
	if err != nil {
		c.log.Error().Err(err).Str("event", EVENT_STORE_ERROR).Msg("unable to read queue")
		c.status(StatusStoreFailed)
		c.scheduleRetry()
		return nil
	}
	if !ok {
		c.waiting = true
		return nil
	}
	c.waiting = false
	return c.trySend(rec)
}

func (c *Controller) trySend(rec position.Record) *job {
	req, err := c.enc.Encode(rec, c.config.Endpoint, c.config.DeviceID, rec.Alarm)
	if err != nil {
		c.log.Error().Err(err).Str("event", EVENT_SEND_FAILED).EmbedObject(rec).Msg("unable to encode record")
		c.failed(rec, err)
		if c.buffered() {
			c.scheduleRetry()
		}
		return nil
	}
	c.inFlight = true
	return &job{rec: rec, req: req}
}

func (c *Controller) complete(j *job, err error) *job {
	c.inFlight = false
	if err != nil {
		c.log.Warn().Err(err).Str("event", EVENT_SEND_FAILED).EmbedObject(j).Msg("")
		c.failed(j.rec, err)
		if c.buffered() && !c.stopped {
			c.scheduleRetry()
		}
		return nil
	}

	c.log.Debug().Str("event", EVENT_SENT).EmbedObject(j).Msg("")
	c.succeeded(j.rec)
	if !c.buffered() {
		return nil
	}
	// The server has the record; drop it even when stopped so a restart
	// does not resend it.
	if rerr := c.store.Remove(context.Background(), j.rec.Seq); rerr != nil {
		c.log.Error().Err(rerr).Str("event", EVENT_STORE_ERROR).EmbedObject(j).Msg("unable to remove delivered record")
		c.status(StatusStoreFailed)
		if !c.stopped {
			c.scheduleRetry()
		}
		return nil
	}
	if c.stopped {
		return nil
	}
	return c.read()
}

func (c *Controller) scheduleRetry() {
	if c.stopped || c.retry != nil {
		return
	}
	c.retryGen++
	gen := c.retryGen
	c.log.Debug().Str("event", EVENT_RETRY_SCHEDULED).Dur("delay", c.config.RetryDelay).Msg("")
	c.retry = c.sched.AfterFunc(c.config.RetryDelay, func() { c.onRetryFire(gen) })
}

func (c *Controller) cancelRetry() {
	if c.retry == nil {
		return
	}
	c.retry.Stop()
	c.retry = nil
	c.retryGen++
}

// onRetryFire checks liveness at fire time: a timer that was cancelled,
// superseded, or outlived a Stop does nothing.
func (c *Controller) onRetryFire(gen uint64) {
	c.mu.Lock()
	if gen != c.retryGen || c.retry == nil || c.stopped {
		c.unlock()
		return
	}
	c.retry = nil
	var j *job
	if !c.inFlight && c.online {
		j = c.read()
	}
	c.unlock()
	c.dispatch(j)
}
