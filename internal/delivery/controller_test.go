package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nuha.dev/gpsclient/internal/position"
	"nuha.dev/gpsclient/internal/protocol"
	"nuha.dev/gpsclient/internal/store"
	"nuha.dev/gpsclient/internal/store/impl/memstore"
)

var errRefused = errors.New("connection refused")

type harness struct {
	c     *Controller
	st    *memstore.MemStore
	snd   *fakeSender
	sched *manualScheduler
	obs   *recorder
	mon   *fakeMonitor
	src   *fakeSource
}

func inline(f func()) { f() }

func newHarness(t *testing.T, mode Mode, online bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		st:    memstore.NewStore(),
		snd:   &fakeSender{},
		sched: &manualScheduler{},
		obs:   &recorder{},
		mon:   newFakeMonitor(online),
		src:   &fakeSource{},
	}
	enc, err := protocol.NewEncoder(nil)
	require.NoError(t, err)
	config := &Config{Mode: mode, Endpoint: "http://demo.example.com:5055", DeviceID: "dev 1", RetryDelay: 5 * time.Second}
	base := []Option{
		WithScheduler(h.sched),
		WithObserver(h.obs),
		WithConnectivityMonitor(h.mon),
		WithSampleSource(h.src),
		WithExecutor(inline),
	}
	var st store.Store
	if mode == Buffered {
		st = h.st
	}
	h.c, err = New(config, st, enc, h.snd, append(base, opts...)...)
	require.NoError(t, err)
	return h
}

func (h *harness) queued(t *testing.T) int {
	n, err := h.st.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewValidation(t *testing.T) {
	enc := &protocol.Encoder{}
	_, err := New(&Config{Mode: Buffered}, nil, enc, &fakeSender{})
	assert.Error(t, err)
	_, err = New(&Config{Mode: Direct}, nil, nil, &fakeSender{})
	assert.Error(t, err)

	c, err := New(&Config{Mode: Direct}, nil, enc, &fakeSender{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryDelay, c.config.RetryDelay)
	assert.Equal(t, DefaultAlarmTag, c.config.AlarmTag)
	assert.Equal(t, Stopped, c.State())
}

func TestBufferedSendsImmediatelyWhenIdle(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.Start()
	assert.True(t, h.c.Status().WaitingForData)

	require.NoError(t, h.c.OnSample(fix(1)))
	require.NoError(t, h.c.OnSample(fix(2)))

	assert.Equal(t, []string{lat(1), lat(2)}, h.snd.lats())
	assert.Equal(t, "DEV1", h.snd.last().Get("id"))
	assert.Equal(t, 0, h.queued(t))
	assert.Equal(t, Idle, h.c.State())
	assert.True(t, h.c.Status().WaitingForData)
	assert.Equal(t, 2, h.obs.successes())
	assert.True(t, h.obs.hasStatus(StatusLocationUpdate))
}

func TestOfflineRecordsDeliveredInOrderOnReconnect(t *testing.T) {
	h := newHarness(t, Buffered, false)
	h.c.Start()

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.c.OnSample(fix(i)))
	}
	assert.Empty(t, h.snd.lats())
	assert.Equal(t, 3, h.queued(t))

	h.mon.set(true)
	assert.Equal(t, []string{lat(1), lat(2), lat(3)}, h.snd.lats())
	assert.Equal(t, 0, h.queued(t))
	assert.True(t, h.obs.hasStatus(StatusConnectivityChange))
	assert.Empty(t, h.sched.all())
}

func TestRetryAfterFailureKeepsOrder(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.snd.fail(errRefused)
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	assert.Equal(t, RetryScheduled, h.c.State())
	assert.Equal(t, 1, h.queued(t))
	assert.ErrorIs(t, h.obs.lastFailure(), errRefused)
	assert.True(t, h.obs.hasStatus(StatusSendFailed))

	// no send while the back-off is pending
	require.NoError(t, h.c.OnSample(fix(2)))
	assert.Equal(t, []string{lat(1)}, h.snd.lats())
	assert.Equal(t, 2, h.queued(t))

	timers := h.sched.active()
	require.Len(t, timers, 1)
	assert.Equal(t, 5*time.Second, timers[0].d)

	assert.Equal(t, 1, h.sched.fire())
	assert.Equal(t, []string{lat(1), lat(1), lat(2)}, h.snd.lats())
	assert.Equal(t, 0, h.queued(t))
	assert.Equal(t, Idle, h.c.State())
}

func TestOrderSurvivesInterleavedFailures(t *testing.T) {
	const n = 8
	for _, failEvery := range []int{2, 3} {
		h := newHarness(t, Buffered, true)
		h.c.Start()

		var want []string
		for i := 1; i <= n; i++ {
			if i%failEvery == 0 {
				h.snd.fail(errRefused)
			}
			require.NoError(t, h.c.OnSample(fix(i)))
			for h.c.State() == RetryScheduled {
				require.Equal(t, 1, h.sched.fire())
			}
		}
		for _, l := range h.snd.lats() {
			if len(want) == 0 || want[len(want)-1] != l {
				want = append(want, l)
			}
		}
		assert.Len(t, want, n, "failEvery=%d", failEvery)
		for i, l := range want {
			assert.Equal(t, lat(i+1), l, "failEvery=%d", failEvery)
		}
		assert.Equal(t, 0, h.queued(t))
		assert.Equal(t, n, h.obs.successes())
	}
}

func TestOrderSurvivesFailuresWithBacklog(t *testing.T) {
	h := newHarness(t, Buffered, false)
	h.c.Start()
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.c.OnSample(fix(i)))
	}
	h.snd.fail(nil, errRefused, errRefused, nil, errRefused)

	h.mon.set(true)
	for h.c.State() == RetryScheduled {
		require.Equal(t, 1, h.sched.fire())
	}
	assert.Equal(t, []string{lat(1), lat(2), lat(2), lat(2), lat(3), lat(3), lat(4), lat(5)}, h.snd.lats())
	assert.Equal(t, 0, h.queued(t))
}

func TestWaitingForDataClearedOffline(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.Start()
	require.True(t, h.c.Status().WaitingForData)

	h.mon.set(false)
	assert.False(t, h.c.Status().WaitingForData)

	require.NoError(t, h.c.OnSample(fix(1)))
	st := h.c.Status()
	assert.False(t, st.Online)
	assert.False(t, st.WaitingForData)
	assert.Equal(t, 1, h.queued(t))

	h.mon.set(true)
	assert.True(t, h.c.Status().WaitingForData)
	assert.Equal(t, 0, h.queued(t))
}

func TestRetryDelayIsFixed(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.snd.fail(errRefused, errRefused, errRefused)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))

	for i := 0; i < 3; i++ {
		timers := h.sched.active()
		require.Len(t, timers, 1)
		assert.Equal(t, 5*time.Second, timers[0].d)
		h.sched.fire()
	}
	assert.Len(t, h.snd.lats(), 4)
	assert.Empty(t, h.sched.active())
	assert.Equal(t, 0, h.queued(t))
}

func TestStopCancelsRetry(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.snd.fail(errRefused)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))
	timers := h.sched.active()
	require.Len(t, timers, 1)

	h.c.Stop()
	assert.Equal(t, Stopped, h.c.State())
	assert.True(t, timers[0].stopped)
	assert.Equal(t, 0, h.mon.subscribers())

	// a callback that raced with Stop must not send
	timers[0].f()
	assert.Len(t, h.snd.lats(), 1)
	assert.Equal(t, 1, h.queued(t))

	// records survive and go out on restart
	h.c.Start()
	assert.Equal(t, []string{lat(1), lat(1)}, h.snd.lats())
	assert.Equal(t, 0, h.queued(t))
}

func TestReconnectBypassesRetryDelay(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.snd.fail(errRefused)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))
	timers := h.sched.active()
	require.Len(t, timers, 1)

	h.mon.set(false)
	assert.Len(t, h.snd.lats(), 1)
	h.mon.set(true)

	assert.True(t, timers[0].stopped)
	assert.Equal(t, []string{lat(1), lat(1)}, h.snd.lats())
	assert.Equal(t, 0, h.queued(t))
	assert.Equal(t, Idle, h.c.State())

	// stale generation
	timers[0].f()
	assert.Len(t, h.snd.lats(), 2)
}

func TestRetryWhileOfflineWaitsForReconnect(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.snd.fail(errRefused)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))
	h.mon.set(false)

	h.sched.fire()
	assert.Len(t, h.snd.lats(), 1)
	assert.Equal(t, 1, h.queued(t))

	h.mon.set(true)
	assert.Len(t, h.snd.lats(), 2)
	assert.Equal(t, 0, h.queued(t))
}

func TestRepeatedConnectivityStateIgnored(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.Start()
	h.mon.set(true)
	h.mon.set(true)
	assert.False(t, h.obs.hasStatus(StatusConnectivityChange))
}

func TestDirectModeSingleAttempt(t *testing.T) {
	h := newHarness(t, Direct, true)
	h.snd.fail(errRefused)
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	require.NoError(t, h.c.OnSample(fix(2)))

	assert.Equal(t, []string{lat(1), lat(2)}, h.snd.lats())
	assert.Empty(t, h.sched.all())
	assert.ErrorIs(t, h.obs.lastFailure(), errRefused)
	assert.Equal(t, 1, h.obs.successes())
	assert.Equal(t, 0, h.queued(t))
}

func TestDirectModeOfflineDrops(t *testing.T) {
	h := newHarness(t, Direct, false)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))
	assert.Empty(t, h.snd.lats())
	assert.ErrorIs(t, h.obs.lastFailure(), ErrOffline)

	h.mon.set(true)
	assert.Empty(t, h.snd.lats())
}

func TestDirectModeStopped(t *testing.T) {
	h := newHarness(t, Direct, true)
	assert.ErrorIs(t, h.c.OnSample(fix(1)), ErrStopped)
	assert.Empty(t, h.snd.lats())
}

func TestEncodingErrorIsRetried(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.SetDeviceID("   ")
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	assert.Empty(t, h.snd.lats())
	var ee *protocol.EncodingError
	require.ErrorAs(t, h.obs.lastFailure(), &ee)
	assert.Equal(t, "id", ee.Field)
	assert.Equal(t, RetryScheduled, h.c.State())
	assert.Equal(t, 1, h.queued(t))

	h.c.SetDeviceID("abc 12")
	h.sched.fire()
	assert.Equal(t, "ABC12", h.snd.last().Get("id"))
	assert.Equal(t, 0, h.queued(t))
}

func TestAlarmStampedAtCreation(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.OnAlarmTrigger()
	assert.Equal(t, 1, h.src.requested)
	assert.NotEqual(t, Stopped, h.c.State())
	assert.True(t, h.c.Status().SendingAlarm)

	h.snd.fail(errRefused)
	h.src.emit(fix(1))
	assert.Equal(t, "SOS", h.snd.last().Get("alarm"))

	// the queued record keeps its tag after the alarm ends
	h.c.OnAlarmEnd()
	h.sched.fire()
	assert.Equal(t, "SOS", h.snd.last().Get("alarm"))

	h.src.emit(fix(2))
	assert.Empty(t, h.snd.last().Get("alarm"))
	assert.True(t, h.obs.hasStatus(StatusAlarmTriggered))
	assert.True(t, h.obs.hasStatus(StatusAlarmEnded))
}

func TestAlarmNotAppliedToBacklog(t *testing.T) {
	h := newHarness(t, Buffered, false)
	h.c.Start()
	require.NoError(t, h.c.OnSample(fix(1)))
	h.c.OnAlarmTrigger()
	require.NoError(t, h.c.OnSample(fix(2)))

	h.mon.set(true)
	sent := h.snd.queries()
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].Get("alarm"))
	assert.Equal(t, "SOS", sent[1].Get("alarm"))
}

func TestConfiguredDeviceIDWins(t *testing.T) {
	h := newHarness(t, Buffered, false)
	h.c.Start()
	rec := fix(1)
	rec.DeviceID = "OTHER"
	require.NoError(t, h.c.OnSample(rec))

	queued, ok, err := h.st.Oldest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "DEV1", queued.DeviceID)

	h.mon.set(true)
	assert.Equal(t, "DEV1", h.snd.last().Get("id"))
}

func TestCustomAlarmTag(t *testing.T) {
	h := newHarness(t, Direct, true)
	h.c.config.AlarmTag = "general"
	h.c.Start()
	h.c.OnAlarmTrigger()
	require.NoError(t, h.c.OnSample(fix(1)))
	assert.Equal(t, "general", h.snd.last().Get("alarm"))
}

type brokenStore struct {
	*memstore.MemStore
}

func (b brokenStore) Insert(ctx context.Context, rec position.Record) (position.Record, error) {
	return position.Record{}, store.Wrap("insert", errors.New("disk full"))
}

func TestInsertFailureReturned(t *testing.T) {
	obs := &recorder{}
	enc := &protocol.Encoder{}
	c, err := New(&Config{Mode: Buffered, Endpoint: "http://h", DeviceID: "x"}, brokenStore{memstore.NewStore()}, enc, &fakeSender{},
		WithObserver(obs), WithScheduler(&manualScheduler{}), WithExecutor(inline))
	require.NoError(t, err)
	c.Start()

	err = c.OnSample(fix(1))
	var se *store.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
	assert.True(t, obs.hasStatus(StatusStoreFailed))
}

func TestSendsDoNotOverlap(t *testing.T) {
	h := newHarness(t, Buffered, true, WithExecutor(func(f func()) { go f() }))
	h.snd.gate = make(chan struct{})
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	assert.Equal(t, Sending, h.c.State())

	// inserted right away, its send decision waits for the exchange
	require.NoError(t, h.c.OnSample(fix(2)))
	assert.Equal(t, 2, h.queued(t))
	assert.Equal(t, 1, h.c.Status().Deferred)

	close(h.snd.gate)
	h.c.Wait()

	assert.Equal(t, []string{lat(1), lat(2)}, h.snd.lats())
	assert.Equal(t, 1, h.snd.maxActive)
	assert.Equal(t, 0, h.queued(t))
	assert.Equal(t, 0, h.c.Status().Deferred)
	assert.Equal(t, Idle, h.c.State())
}

func TestStopDuringSend(t *testing.T) {
	h := newHarness(t, Buffered, true, WithExecutor(func(f func()) { go f() }))
	h.snd.gate = make(chan struct{})
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	require.NoError(t, h.c.OnSample(fix(2)))
	h.c.Stop()
	assert.Equal(t, Stopped, h.c.State())

	close(h.snd.gate)
	h.c.Wait()

	// the acknowledged record is removed, nothing else goes out
	assert.Equal(t, []string{lat(1)}, h.snd.lats())
	assert.Equal(t, 1, h.queued(t))
	rec, ok, err := h.st.Oldest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, rec.Latitude)
	assert.Empty(t, h.sched.all())
}

func TestFailureDuringStopSchedulesNothing(t *testing.T) {
	h := newHarness(t, Buffered, true, WithExecutor(func(f func()) { go f() }))
	h.snd.gate = make(chan struct{})
	h.snd.fail(errRefused)
	h.c.Start()

	require.NoError(t, h.c.OnSample(fix(1)))
	h.c.Stop()
	close(h.snd.gate)
	h.c.Wait()

	assert.Empty(t, h.sched.all())
	assert.Equal(t, 1, h.queued(t))
}

func TestSubscriptionsFollowStartStop(t *testing.T) {
	h := newHarness(t, Buffered, true)
	h.c.Start()
	h.c.Start()
	assert.Equal(t, 1, h.mon.subscribers())

	h.src.emit(fix(1))
	assert.Equal(t, []string{lat(1)}, h.snd.lats())

	h.c.Stop()
	h.src.emit(fix(2))
	assert.Len(t, h.snd.lats(), 1)
	assert.Equal(t, 0, h.mon.subscribers())
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, Buffered, false)
	s := h.c.Status()
	assert.Equal(t, "stopped", s.StateName)
	assert.Equal(t, "buffered", s.Mode)

	h.c.Start()
	s = h.c.Status()
	assert.Equal(t, "idle", s.StateName)
	assert.False(t, s.Online)
}
