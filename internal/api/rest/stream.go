package rest

import (
	"net/http"
	"time"

	"bookfeed/internal/infra/http/middleware"
	"bookfeed/internal/infra/metrics"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer    = 16
	streamWriteWait = 5 * time.Second
	streamPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the renderer may be served from another origin during development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes every published View to a websocket client. A client
// that falls behind is dropped by the store and the socket is closed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	defer ws.Close()

	views, cancel := s.store.Subscribe(streamBuffer)
	defer cancel()
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()
	l := s.logger.With().Str("rid", middleware.GetRequestID(r.Context())).Str("remote", r.RemoteAddr).Logger()
	l.Info().Int("subscribers", s.store.Subscribers()).Msg("stream opened")

	// drain control frames so close and pong are observed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPongWait / 2)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			l.Info().Msg("stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case v, ok := <-views:
			if !ok {
				l.Warn().Msg("stream subscriber too slow, dropping")
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(v); err != nil {
				l.Debug().Err(err).Msg("stream write failed")
				return
			}
		}
	}
}
