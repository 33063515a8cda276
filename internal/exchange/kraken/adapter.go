package kraken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookfeed/internal/config"
	"bookfeed/internal/exchange/common"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/network"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	closeGrace = 3 * time.Second
)

// Adapter dials the Kraken Futures (Crypto Facilities) public websocket.
type Adapter struct {
	dialer    *websocket.Dialer
	keepAlive time.Duration
	logger    log.Logger
}

func New(cfg config.Config, logger log.Logger) *Adapter {
	return &Adapter{
		dialer:    network.NewWSDialer(time.Duration(cfg.Network.HandshakeTimeoutSeconds) * time.Second),
		keepAlive: time.Duration(cfg.Network.WSKeepAliveSeconds) * time.Second,
		logger:    log.Component(logger, "kraken"),
	}
}

func (a *Adapter) Name() string { return "kraken" }

func (a *Adapter) Connect(ctx context.Context, url string, h common.Handler) (common.Conn, error) {
	ws, _, err := a.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: dial %s: %w", url, err)
	}
	c := &conn{ws: ws, done: make(chan struct{})}
	if a.keepAlive > 0 {
		// no pong or message within readWait fails the read with a timeout
		c.readWait = 2 * a.keepAlive
		c.extendReadDeadline()
		ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}
	a.logger.Debug().Str("url", url).Msg("websocket connected")
	h.OnOpen(c)
	go c.readPump(h)
	if a.keepAlive > 0 {
		go c.pingLoop(a.keepAlive)
	}
	return c, nil
}

type conn struct {
	ws       *websocket.Conn
	done     chan struct{}
	readWait time.Duration // 0 disables the rolling read deadline

	mu          sync.Mutex // serializes writes; gorilla allows one writer
	closing     bool
	closeCode   int
	closeReason string
}

func (c *conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}
	c.closing, c.closeCode, c.closeReason = true, code, reason
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	// the peer should echo the close frame; do not wait for it forever
	_ = c.ws.SetReadDeadline(time.Now().Add(closeGrace))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("kraken: close: %w", err)
	}
	return nil
}

func (c *conn) readPump(h common.Handler) {
	defer close(c.done)
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err == nil {
			c.extendReadDeadline()
			h.OnMessage(data)
			continue
		}
		var ce *websocket.CloseError
		// gorilla reports a dropped TCP stream as a 1006 CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
			h.OnClose(ce.Code, ce.Text)
			return
		}
		c.mu.Lock()
		closing, code, reason := c.closing, c.closeCode, c.closeReason
		c.mu.Unlock()
		if closing {
			h.OnClose(code, reason)
			return
		}
		h.OnError(fmt.Errorf("kraken: read: %w", err))
		h.OnClose(common.CloseAbnormal, err.Error())
		return
	}
}

// extendReadDeadline pushes the read deadline out by readWait unless a close
// handshake already set the shorter grace deadline.
func (c *conn) extendReadDeadline() {
	if c.readWait <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closing {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
	}
}

func (c *conn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			if !c.closing {
				_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			c.mu.Unlock()
		}
	}
}
