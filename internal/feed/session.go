package feed

import (
	"context"
	"time"

	"bookfeed/internal/config"
	"bookfeed/internal/exchange/common"
	"bookfeed/internal/infra/health"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/metrics"
	"bookfeed/internal/orderbook"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// Options configure a Session. Markets is the injected market mapping; the
// session never hard-codes instruments or group sizes.
type Options struct {
	URL          string
	FeedName     string
	Market       string
	Markets      config.Markets
	ToggleOrder  []string
	KillCode     int
	KillReason   string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		URL:          cfg.Feed.URL,
		FeedName:     cfg.Feed.Name,
		Market:       cfg.Feed.DefaultMarket,
		Markets:      cfg.Markets,
		ToggleOrder:  cfg.Feed.ToggleOrder,
		KillCode:     cfg.Feed.KillCode,
		KillReason:   cfg.Feed.KillReason,
		ReconnectMin: time.Duration(cfg.Network.ReconnectMinMs) * time.Millisecond,
		ReconnectMax: time.Duration(cfg.Network.ReconnectMaxMs) * time.Millisecond,
	}
}

// Session drives one book feed: it owns the connection, the current market,
// the kill intent and both ladders. All of that state is touched only by the
// Run loop; transport callbacks and user actions reach it as queued events.
type Session struct {
	id       string
	opts     Options
	dialer   common.Dialer
	store    *orderbook.Store
	reporter Reporter
	logger   log.Logger
	decoder  Decoder
	events   chan any
	stopped  chan struct{}

	runCtx     context.Context
	state      State
	market     string
	group      float64
	killed     bool
	gen        uint64 // bumped for every connection attempt; older events are stale
	conn       common.Conn
	dialCancel context.CancelFunc
	reconnect  *time.Timer
	backoff    *backoff.Backoff
	book       orderbook.Book
	awaiting   bool // subscribed but no snapshot yet
}

type (
	openEvent struct {
		gen  uint64
		conn common.Conn
	}
	messageEvent struct {
		gen     uint64
		payload []byte
	}
	errorEvent struct {
		gen uint64
		err error
	}
	closeEvent struct {
		gen    uint64
		code   int
		reason string
	}
	dialFailedEvent struct {
		gen uint64
		err error
	}
	reconnectEvent struct {
		gen uint64
	}
	command struct {
		fn   func() error
		done chan error
	}
)

func NewSession(opts Options, dialer common.Dialer, store *orderbook.Store, reporter Reporter, logger log.Logger) (*Session, error) {
	m, ok := opts.Markets.Lookup(opts.Market)
	if !ok {
		return nil, ErrUnknownMarket
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		opts:     opts,
		dialer:   dialer,
		store:    store,
		reporter: reporter,
		logger:   log.Component(logger, "feed").With().Str("session", id).Logger(),
		decoder:  NewDecoder(opts.FeedName),
		events:   make(chan any, 1024),
		stopped:  make(chan struct{}),
		market:   opts.Market,
		group:    m.DefaultGroup,
		backoff:  &backoff.Backoff{Min: opts.ReconnectMin, Max: opts.ReconnectMax, Factor: 2, Jitter: true},
		book:     orderbook.NewBook(opts.Market, m.DefaultGroup),
	}, nil
}

// Run connects and processes events until ctx is done. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.runCtx = ctx
	s.logger.Info().Str("market", s.market).Float64("group", s.group).Msg("feed session started")
	s.connect()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Kill closes the feed with the manual close code and stops auto-reconnect.
func (s *Session) Kill(ctx context.Context) error { return s.do(ctx, s.kill) }

// Restart reconnects a killed feed to the currently selected market.
func (s *Session) Restart(ctx context.Context) error { return s.do(ctx, s.restart) }

// ToggleFeed kills a live feed or restarts a killed one.
func (s *Session) ToggleFeed(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.killed {
			return s.restart()
		}
		return s.kill()
	})
}

// ToggleMarket switches to the next configured market and returns its id.
func (s *Session) ToggleMarket(ctx context.Context) (string, error) {
	var next string
	err := s.do(ctx, func() error {
		next = s.opts.Markets.Next(s.market, s.opts.ToggleOrder)
		return s.selectMarket(next)
	})
	return next, err
}

// SelectMarket switches to market id.
func (s *Session) SelectMarket(ctx context.Context, id string) error {
	return s.do(ctx, func() error { return s.selectMarket(id) })
}

// SetGroupSize changes the bucket width and requests a fresh snapshot.
func (s *Session) SetGroupSize(ctx context.Context, g float64) error {
	return s.do(ctx, func() error { return s.setGroup(g) })
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		st = s.status()
		return nil
	})
	return st, err
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case s.events <- cmd:
	case <-s.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-s.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) push(ev any) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case command:
		e.done <- e.fn()
	case openEvent:
		s.onOpen(e)
	case messageEvent:
		s.onMessage(e)
	case errorEvent:
		if e.gen == s.gen {
			s.reporter.Report(&TransportError{Op: "read", Err: e.err})
		}
	case closeEvent:
		s.onClose(e)
	case dialFailedEvent:
		s.onDialFailed(e)
	case reconnectEvent:
		if e.gen == s.gen && s.state == ClosedAuto && !s.killed {
			s.connect()
		}
	}
}

func (s *Session) connect() {
	s.stopReconnect()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.gen++
	s.conn = nil
	s.setState(Connecting)
	dctx, cancel := context.WithCancel(s.runCtx)
	s.dialCancel = cancel
	gen := s.gen
	h := &connHandler{s: s, gen: gen}
	s.logger.Info().Uint64("gen", gen).Str("market", s.market).Msg("connecting")
	go func() {
		if _, err := s.dialer.Connect(dctx, s.opts.URL, h); err != nil {
			s.push(dialFailedEvent{gen: gen, err: err})
		}
	}()
	s.publish()
}

func (s *Session) onOpen(e openEvent) {
	if e.gen != s.gen {
		// a superseded dial completed; nobody wants this connection
		_ = e.conn.Close(common.CloseNormal, "superseded")
		return
	}
	s.conn = e.conn
	s.backoff.Reset()
	s.setState(Open)
	s.subscribe()
	s.logger.Info().Uint64("gen", e.gen).Str("market", s.market).Msg("feed open")
	s.publish()
}

func (s *Session) onMessage(e messageEvent) {
	if e.gen != s.gen {
		metrics.FeedDroppedTotal.WithLabelValues("stale_connection").Inc()
		return
	}
	if s.killed {
		metrics.FeedDroppedTotal.WithLabelValues("killed").Inc()
		return
	}
	msg, err := s.decoder.Decode(e.payload)
	if err != nil {
		s.reporter.Report(err)
		return
	}
	metrics.FeedMessagesTotal.WithLabelValues(msg.Kind.String()).Inc()
	if msg.Kind == KindControl {
		s.logger.Debug().Str("event", msg.Event).Str("feed", msg.Feed).Msg("control message")
		return
	}
	if msg.Market != "" && msg.Market != s.market {
		metrics.FeedDroppedTotal.WithLabelValues("stale_market").Inc()
		return
	}

	start := time.Now()
	switch msg.Kind {
	case KindSnapshot:
		s.book = orderbook.NewBook(s.market, s.group).ApplySnapshot(msg.Snapshot)
		s.awaiting = false
		metrics.BookRebuildsTotal.WithLabelValues(s.market, "snapshot").Inc()
	case KindDelta:
		if s.awaiting {
			metrics.FeedDroppedTotal.WithLabelValues("awaiting_snapshot").Inc()
			return
		}
		s.book = s.book.ApplyDelta(msg.Delta)
		metrics.LevelUpdatesTotal.WithLabelValues(orderbook.Bid.String()).Add(float64(len(msg.Delta.Bids)))
		metrics.LevelUpdatesTotal.WithLabelValues(orderbook.Ask.String()).Add(float64(len(msg.Delta.Asks)))
	}
	metrics.ApplyLatencyUs.Observe(float64(time.Since(start).Microseconds()))
	s.publish()
}

func (s *Session) onClose(e closeEvent) {
	if e.gen != s.gen {
		s.logger.Debug().Uint64("gen", e.gen).Int("code", e.code).Msg("stale connection closed")
		return
	}
	s.conn = nil
	// the kill flag decides, not the close code: a peer may echo any code
	if s.killed {
		s.setState(ClosedManual)
		s.logger.Info().Int("code", e.code).Str("reason", e.reason).Msg("feed closed after kill")
		s.publish()
		return
	}
	s.logger.Warn().Int("code", e.code).Str("reason", e.reason).Msg("feed closed unexpectedly")
	metrics.WSReconnectsTotal.WithLabelValues(s.market, "closed").Inc()
	s.setState(ClosedAuto)
	s.scheduleReconnect()
	s.publish()
}

func (s *Session) onDialFailed(e dialFailedEvent) {
	if e.gen != s.gen {
		return
	}
	s.reporter.Report(&TransportError{Op: "dial", Err: e.err})
	metrics.WSReconnectsTotal.WithLabelValues(s.market, "dial_failed").Inc()
	s.setState(ClosedAuto)
	s.scheduleReconnect()
	s.publish()
}

func (s *Session) kill() error {
	if s.killed {
		return nil
	}
	s.killed = true
	metrics.FeedKillsTotal.Inc()
	s.stopReconnect()
	if s.conn != nil {
		if err := s.conn.Close(s.opts.KillCode, s.opts.KillReason); err != nil {
			s.reporter.Report(&TransportError{Op: "close", Err: err})
		}
	} else if s.state == Connecting {
		// abandon the in-flight dial; a late open is closed in onOpen
		s.dialCancel()
		s.gen++
	}
	s.setState(ClosedManual)
	s.logger.Info().Str("market", s.market).Msg("feed killed")
	s.publish()
	return nil
}

func (s *Session) restart() error {
	if !s.killed {
		return nil
	}
	s.killed = false
	s.backoff.Reset()
	s.logger.Info().Str("market", s.market).Msg("feed restart requested")
	s.connect()
	return nil
}

func (s *Session) selectMarket(id string) error {
	m, ok := s.opts.Markets.Lookup(id)
	if !ok {
		return ErrUnknownMarket
	}
	if id == s.market {
		return nil
	}
	old := s.market
	s.market, s.group = id, m.DefaultGroup
	s.book = orderbook.NewBook(id, m.DefaultGroup)
	metrics.BookRebuildsTotal.WithLabelValues(id, "market_switch").Inc()
	s.logger.Info().Str("from", old).Str("to", id).Float64("group", s.group).Msg("market switched")

	switch s.state {
	case Open:
		s.send(common.Unsubscribe(s.opts.FeedName, old))
		s.subscribe()
	case ClosedAuto:
		// the pending reconnect was for the old market
		s.connect()
	}
	s.publish()
	return nil
}

func (s *Session) setGroup(g float64) error {
	m, _ := s.opts.Markets.Lookup(s.market)
	if !m.Allows(g) {
		return ErrGroupNotAllowed
	}
	if g == s.group {
		return nil
	}
	s.group = g
	s.book = orderbook.NewBook(s.market, g)
	metrics.BookRebuildsTotal.WithLabelValues(s.market, "group_change").Inc()
	// grouped levels cannot be re-bucketed, so ask the venue for a new snapshot
	if s.state == Open {
		s.send(common.Unsubscribe(s.opts.FeedName, s.market))
		s.subscribe()
	}
	s.publish()
	return nil
}

func (s *Session) subscribe() {
	s.awaiting = true
	s.send(common.Subscribe(s.opts.FeedName, s.market))
}

func (s *Session) send(req common.SubscribeRequest) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Send(req); err != nil {
		s.reporter.Report(&TransportError{Op: req.Event, Err: err})
	}
}

func (s *Session) scheduleReconnect() {
	s.stopReconnect()
	d := s.backoff.Duration()
	gen := s.gen
	s.reconnect = time.AfterFunc(d, func() { s.push(reconnectEvent{gen: gen}) })
	s.logger.Info().Dur("in", d).Str("market", s.market).Msg("reconnect scheduled")
}

func (s *Session) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) shutdown() {
	s.stopReconnect()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	if s.conn != nil {
		_ = s.conn.Close(common.CloseNormal, "shutdown")
		s.conn = nil
	}
	health.SetReady(false)
	s.logger.Info().Msg("feed session stopped")
}

func (s *Session) setState(st State) {
	s.state = st
	metrics.FeedState.Set(float64(st))
	health.SetReady(st == Open)
}

func (s *Session) status() Status {
	m, _ := s.opts.Markets.Lookup(s.market)
	return Status{
		SessionID: s.id,
		State:     s.state.String(),
		Market:    s.market,
		GroupSize: s.group,
		Groups:    append([]float64(nil), m.Groups...),
		Killed:    s.killed,
	}
}

func (s *Session) publish() {
	m, _ := s.opts.Markets.Lookup(s.market)
	s.store.Publish(orderbook.NewView(s.book, m.Groups, s.state.String(), s.killed))
	metrics.LadderLevels.WithLabelValues(orderbook.Bid.String()).Set(float64(s.book.Bids.Len()))
	metrics.LadderLevels.WithLabelValues(orderbook.Ask.String()).Set(float64(s.book.Asks.Len()))
}

// connHandler tags transport callbacks with the connection generation.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) OnOpen(c common.Conn) { h.s.push(openEvent{gen: h.gen, conn: c}) }
func (h *connHandler) OnMessage(p []byte) {
	h.s.push(messageEvent{gen: h.gen, payload: p})
}
func (h *connHandler) OnError(err error) { h.s.push(errorEvent{gen: h.gen, err: err}) }
func (h *connHandler) OnClose(code int, reason string) {
	h.s.push(closeEvent{gen: h.gen, code: code, reason: reason})
}
