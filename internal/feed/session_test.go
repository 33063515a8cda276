package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookfeed/internal/config"
	"bookfeed/internal/exchange/common"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/orderbook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type closeCall struct {
	code   int
	reason string
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []common.SubscribeRequest
	closes []closeCall
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v.(common.SubscribeRequest))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{code, reason})
	return nil
}

func (c *fakeConn) Sent() []common.SubscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.SubscribeRequest(nil), c.sent...)
}

func (c *fakeConn) Closes() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeCall(nil), c.closes...)
}

// fakeDialer opens a fakeConn per Connect, failing the first `fail` attempts.
type fakeDialer struct {
	mu       sync.Mutex
	fail     int
	attempts int
	conns    []*fakeConn
	handlers []common.Handler
}

func (d *fakeDialer) Connect(_ context.Context, _ string, h common.Handler) (common.Conn, error) {
	d.mu.Lock()
	d.attempts++
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
	h.OnOpen(c)
	return c, nil
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) (*fakeConn, common.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i], d.handlers[i]
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func testOptions() Options {
	return Options{
		URL:      "ws://venue.test",
		FeedName: "book_ui_1",
		Market:   "PI_XBTUSD",
		Markets: config.Markets{
			"PI_XBTUSD": {DefaultGroup: 0.5, Groups: []float64{0.5, 1, 2.5}},
			"PI_ETHUSD": {DefaultGroup: 0.05, Groups: []float64{0.05, 0.1, 0.25}},
		},
		ToggleOrder:  []string{"PI_XBTUSD", "PI_ETHUSD"},
		KillCode:     4000,
		KillReason:   "feed killed by user",
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	}
}

type harness struct {
	s        *Session
	store    *orderbook.Store
	dialer   *fakeDialer
	reporter *recordingReporter
}

func startSession(t *testing.T, opts Options, dialer *fakeDialer) *harness {
	t.Helper()
	h := &harness{store: orderbook.NewStore(), dialer: dialer, reporter: &recordingReporter{}}
	s, err := NewSession(opts, dialer, h.store, h.reporter, log.Nop())
	require.NoError(t, err)
	h.s = s
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// open starts a session and waits for its first connection to subscribe.
func open(t *testing.T, opts Options) (*harness, *fakeConn, common.Handler) {
	t.Helper()
	h := startSession(t, opts, &fakeDialer{})
	require.Eventually(t, func() bool { return h.dialer.Conns() == 1 }, waitFor, tick)
	c, hd := h.dialer.conn(0)
	require.Eventually(t, func() bool { return len(c.Sent()) == 1 }, waitFor, tick)
	return h, c, hd
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	return st
}

func TestNewSession_UnknownMarket(t *testing.T) {
	opts := testOptions()
	opts.Market = "PI_DOGEUSD"
	_, err := NewSession(opts, &fakeDialer{}, orderbook.NewStore(), &recordingReporter{}, log.Nop())
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestSession_OpenSubscribesSelectedMarket(t *testing.T) {
	h, c, _ := open(t, testOptions())
	assert.Equal(t, []common.SubscribeRequest{common.Subscribe("book_ui_1", "PI_XBTUSD")}, c.Sent())

	st := h.status(t)
	assert.Equal(t, "open", st.State)
	assert.Equal(t, "PI_XBTUSD", st.Market)
	assert.Equal(t, 0.5, st.GroupSize)
	assert.False(t, st.Killed)
	assert.NotEmpty(t, st.SessionID)
}

func TestSession_SnapshotThenDeltas(t *testing.T) {
	h, _, hd := open(t, testOptions())

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[],"asks":[]}`))
	hd.OnMessage([]byte(`{"feed":"book_ui_1","product_id":"PI_XBTUSD","bids":[[50000.3,0.5]]}`))
	hd.OnMessage([]byte(`{"feed":"book_ui_1","product_id":"PI_XBTUSD","bids":[[50000.4,0.25]]}`))
	hd.OnMessage([]byte(`{"feed":"book_ui_1","product_id":"PI_XBTUSD","asks":[[50001,1]]}`))
	h.status(t)

	v := h.store.Current()
	assert.Equal(t, []orderbook.Level{{Price: 50000, Size: 0.75, Total: 0.75}}, v.Bids)
	assert.Equal(t, []orderbook.Level{{Price: 50001, Size: 1, Total: 1}}, v.Asks)
	assert.Equal(t, 1.0, v.MaxTotal)
	require.NotNil(t, v.Spread)
	assert.Equal(t, 1.0, *v.Spread)
	assert.Equal(t, "open", v.State)
}

func TestSession_DeltaBeforeSnapshotIgnored(t *testing.T) {
	h, _, hd := open(t, testOptions())

	hd.OnMessage([]byte(`{"feed":"book_ui_1","product_id":"PI_XBTUSD","bids":[[100,1]]}`))
	h.status(t)
	assert.Empty(t, h.store.Current().Bids)

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,2],[99,3]],"asks":[]}`))
	h.status(t)
	assert.Equal(t, []orderbook.Level{
		{Price: 100, Size: 2, Total: 2},
		{Price: 99, Size: 3, Total: 5},
	}, h.store.Current().Bids)
}

func TestSession_MalformedMessageReported(t *testing.T) {
	h, _, hd := open(t, testOptions())

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","bids":[[100`))
	hd.OnMessage([]byte(`{"event":"alert","message":"Bad websocket message"}`))
	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,1]],"asks":[[101,1]]}`))
	st := h.status(t)

	errs := h.reporter.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "malformed", ErrorKind(errs[0]))
	assert.Equal(t, "protocol", ErrorKind(errs[1]))
	assert.Equal(t, "open", st.State)
	assert.Len(t, h.store.Current().Bids, 1)
}

func TestSession_UnexpectedCloseReconnects(t *testing.T) {
	h, _, hd := open(t, testOptions())

	hd.OnError(errors.New("connection reset by peer"))
	hd.OnClose(common.CloseAbnormal, "connection reset by peer")

	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
	c2, _ := h.dialer.conn(1)
	require.Eventually(t, func() bool { return len(c2.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, common.Subscribe("book_ui_1", "PI_XBTUSD"), c2.Sent()[0])
	assert.Equal(t, "open", h.status(t).State)

	errs := h.reporter.Errors()
	require.Len(t, errs, 1)
	var te *TransportError
	assert.ErrorAs(t, errs[0], &te)
}

func TestSession_DialFailureRetries(t *testing.T) {
	h := startSession(t, testOptions(), &fakeDialer{fail: 2})

	require.Eventually(t, func() bool { return h.dialer.Conns() == 1 }, waitFor, tick)
	assert.Equal(t, 3, h.dialer.Attempts())
	errs := h.reporter.Errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.Equal(t, "transport", ErrorKind(err))
	}
}

func TestSession_KillIgnoresCloseCode(t *testing.T) {
	h, c, hd := open(t, testOptions())

	require.NoError(t, h.s.Kill(context.Background()))
	assert.Equal(t, []closeCall{{4000, "feed killed by user"}}, c.Closes())

	// the venue answers with a different code; the kill flag still wins
	hd.OnClose(common.CloseNormal, "bye")
	st := h.status(t)
	assert.Equal(t, "closed-manual", st.State)
	assert.True(t, st.Killed)
	assert.True(t, h.store.Current().Killed)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Attempts())
}

func TestSession_KillThenToggleThenRestart(t *testing.T) {
	h, _, _ := open(t, testOptions())
	ctx := context.Background()

	require.NoError(t, h.s.Kill(ctx))
	next, err := h.s.ToggleMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PI_ETHUSD", next)
	assert.Equal(t, 1, h.dialer.Attempts())

	require.NoError(t, h.s.Restart(ctx))
	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
	c2, _ := h.dialer.conn(1)
	require.Eventually(t, func() bool { return len(c2.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, common.Subscribe("book_ui_1", "PI_ETHUSD"), c2.Sent()[0])

	st := h.status(t)
	assert.Equal(t, "open", st.State)
	assert.False(t, st.Killed)
	assert.Equal(t, 0.05, st.GroupSize)
}

func TestSession_ToggleFeed(t *testing.T) {
	h, _, _ := open(t, testOptions())
	ctx := context.Background()

	require.NoError(t, h.s.ToggleFeed(ctx))
	assert.True(t, h.status(t).Killed)

	require.NoError(t, h.s.ToggleFeed(ctx))
	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
	assert.False(t, h.status(t).Killed)
}

func TestSession_RestartWhenLiveIsNoop(t *testing.T) {
	h, _, _ := open(t, testOptions())
	require.NoError(t, h.s.Restart(context.Background()))
	h.status(t)
	assert.Equal(t, 1, h.dialer.Attempts())
}

func TestSession_ToggleMarketWhileOpen(t *testing.T) {
	h, c, hd := open(t, testOptions())
	ctx := context.Background()

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,1]],"asks":[[101,1]]}`))
	require.NoError(t, h.s.SetGroupSize(ctx, 2.5))

	next, err := h.s.ToggleMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PI_ETHUSD", next)
	assert.Equal(t, []common.SubscribeRequest{
		common.Subscribe("book_ui_1", "PI_XBTUSD"),
		common.Unsubscribe("book_ui_1", "PI_XBTUSD"),
		common.Subscribe("book_ui_1", "PI_XBTUSD"),
		common.Unsubscribe("book_ui_1", "PI_XBTUSD"),
		common.Subscribe("book_ui_1", "PI_ETHUSD"),
	}, c.Sent())

	v := h.store.Current()
	assert.Equal(t, "PI_ETHUSD", v.Market)
	assert.Equal(t, 0.05, v.GroupSize)
	assert.Equal(t, []float64{0.05, 0.1, 0.25}, v.Groups)
	assert.Empty(t, v.Bids)
	assert.Empty(t, v.Asks)

	// late traffic for the abandoned market is not applied
	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,1]],"asks":[[101,1]]}`))
	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_ETHUSD","bids":[[3000.12,1]],"asks":[[3000.31,2]]}`))
	h.status(t)
	v = h.store.Current()
	assert.Equal(t, "PI_ETHUSD", v.Market)
	require.Len(t, v.Bids, 1)
	assert.InDelta(t, 3000.10, v.Bids[0].Price, 1e-9)
	assert.InDelta(t, 3000.30, v.Asks[0].Price, 1e-9)
}

func TestSession_SelectMarket(t *testing.T) {
	h, _, _ := open(t, testOptions())
	ctx := context.Background()

	assert.ErrorIs(t, h.s.SelectMarket(ctx, "PI_DOGEUSD"), ErrUnknownMarket)
	require.NoError(t, h.s.SelectMarket(ctx, "PI_ETHUSD"))
	assert.Equal(t, "PI_ETHUSD", h.status(t).Market)
}

func TestSession_SetGroupSize(t *testing.T) {
	h, c, hd := open(t, testOptions())
	ctx := context.Background()

	assert.ErrorIs(t, h.s.SetGroupSize(ctx, 0.05), ErrGroupNotAllowed)
	assert.Len(t, c.Sent(), 1)

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,1]],"asks":[[101,1]]}`))
	require.NoError(t, h.s.SetGroupSize(ctx, 1))
	v := h.store.Current()
	assert.Equal(t, 1.0, v.GroupSize)
	assert.Empty(t, v.Bids)
	assert.Equal(t, []common.SubscribeRequest{
		common.Subscribe("book_ui_1", "PI_XBTUSD"),
		common.Unsubscribe("book_ui_1", "PI_XBTUSD"),
		common.Subscribe("book_ui_1", "PI_XBTUSD"),
	}, c.Sent())

	// deltas wait for the fresh snapshot
	hd.OnMessage([]byte(`{"feed":"book_ui_1","product_id":"PI_XBTUSD","bids":[[100.5,1]]}`))
	h.status(t)
	assert.Empty(t, h.store.Current().Bids)

	hd.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100.5,1],[100.2,2]],"asks":[]}`))
	h.status(t)
	assert.Equal(t, []orderbook.Level{{Price: 100, Size: 3, Total: 3}}, h.store.Current().Bids)
}

func TestSession_StaleConnectionIgnored(t *testing.T) {
	h, _, old := open(t, testOptions())
	ctx := context.Background()

	require.NoError(t, h.s.Kill(ctx))
	require.NoError(t, h.s.Restart(ctx))
	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
	c2, _ := h.dialer.conn(1)
	require.Eventually(t, func() bool { return len(c2.Sent()) == 1 }, waitFor, tick)

	old.OnMessage([]byte(`{"feed":"book_ui_1_snapshot","product_id":"PI_XBTUSD","bids":[[100,1]],"asks":[]}`))
	old.OnClose(4000, "feed killed by user")
	st := h.status(t)
	assert.Equal(t, "open", st.State)
	assert.Empty(t, h.store.Current().Bids)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.Attempts())
}

func TestSession_KillCancelsPendingReconnect(t *testing.T) {
	opts := testOptions()
	opts.ReconnectMin, opts.ReconnectMax = time.Hour, time.Hour
	h, _, hd := open(t, opts)
	ctx := context.Background()

	hd.OnClose(common.CloseAbnormal, "eof")
	assert.Equal(t, "closed-auto", h.status(t).State)

	require.NoError(t, h.s.Kill(ctx))
	assert.Equal(t, "closed-manual", h.status(t).State)

	require.NoError(t, h.s.Restart(ctx))
	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
}

func TestSession_ToggleDuringBackoffReconnectsNow(t *testing.T) {
	opts := testOptions()
	opts.ReconnectMin, opts.ReconnectMax = time.Hour, time.Hour
	h, _, hd := open(t, opts)

	hd.OnClose(common.CloseAbnormal, "eof")
	_, err := h.s.ToggleMarket(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.dialer.Conns() == 2 }, waitFor, tick)
	c2, _ := h.dialer.conn(1)
	require.Eventually(t, func() bool { return len(c2.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, common.Subscribe("book_ui_1", "PI_ETHUSD"), c2.Sent()[0])
}

func TestSession_StoppedCommands(t *testing.T) {
	s, err := NewSession(testOptions(), &fakeDialer{}, orderbook.NewStore(), &recordingReporter{}, log.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, s.Kill(context.Background()), ErrSessionStopped)
	_, err = s.Status(context.Background())
	assert.ErrorIs(t, err, ErrSessionStopped)
}
