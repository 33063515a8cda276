package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"bookfeed/internal/config"
	"bookfeed/internal/feed"
	"bookfeed/internal/infra/http/middleware"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/network"
	"bookfeed/internal/orderbook"

	"github.com/gorilla/mux"
)

// Controller is the part of the feed session the API drives.
type Controller interface {
	Kill(ctx context.Context) error
	Restart(ctx context.Context) error
	ToggleFeed(ctx context.Context) error
	ToggleMarket(ctx context.Context) (string, error)
	SelectMarket(ctx context.Context, id string) error
	SetGroupSize(ctx context.Context, g float64) error
	Status(ctx context.Context) (feed.Status, error)
}

type Server struct {
	router  *mux.Router
	ctl     Controller
	store   *orderbook.Store
	markets config.Markets
	logger  log.Logger
}

// New wires the routes. Action routes share limiter; a nil limiter disables
// rate limiting.
func New(ctl Controller, store *orderbook.Store, markets config.Markets, limiter *network.TokenBucket, logger log.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		ctl:     ctl,
		store:   store,
		markets: markets,
		logger:  log.Component(logger, "api"),
	}
	// full paths on the root router so a method mismatch is a 405, not a 404
	r := s.router
	r.HandleFunc("/api/book", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/api/book/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/markets", s.handleMarkets).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)

	action := func(route string, h http.HandlerFunc) http.Handler {
		if limiter == nil {
			return h
		}
		return middleware.RateLimit(limiter, route)(h)
	}
	r.Handle("/api/feed/kill", action("kill", s.handleKill)).Methods(http.MethodPost)
	r.Handle("/api/feed/restart", action("restart", s.handleRestart)).Methods(http.MethodPost)
	r.Handle("/api/feed/toggle", action("toggle_feed", s.handleToggleFeed)).Methods(http.MethodPost)
	r.Handle("/api/market/toggle", action("toggle_market", s.handleToggleMarket)).Methods(http.MethodPost)
	r.Handle("/api/market/{id}", action("select_market", s.handleSelectMarket)).Methods(http.MethodPut)
	r.Handle("/api/group", action("group", s.handleGroup)).Methods(http.MethodPut)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current())
}

type marketInfo struct {
	ID string `json:"id"`
	config.Market
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]marketInfo, 0, len(s.markets))
	for _, id := range s.markets.IDs() {
		out = append(out, marketInfo{ID: id, Market: s.markets[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.ctl.Kill(r.Context()))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.ctl.Restart(r.Context()))
}

func (s *Server) handleToggleFeed(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.ctl.ToggleFeed(r.Context()))
}

func (s *Server) handleToggleMarket(w http.ResponseWriter, r *http.Request) {
	_, err := s.ctl.ToggleMarket(r.Context())
	s.act(w, r, err)
}

func (s *Server) handleSelectMarket(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, s.ctl.SelectMarket(r.Context(), mux.Vars(r)["id"]))
}

type groupRequest struct {
	Size *float64 `json:"size"`
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Size == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {\"size\": <number>}"})
		return
	}
	s.act(w, r, s.ctl.SetGroupSize(r.Context(), *req.Size))
}

// act answers an action with the resulting status, or the mapped error.
func (s *Server) act(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleStatus(w, r)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, feed.ErrUnknownMarket):
		code = http.StatusBadRequest
	case errors.Is(err, feed.ErrGroupNotAllowed):
		code = http.StatusConflict
	case errors.Is(err, feed.ErrSessionStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	s.logger.Warn().Err(err).
		Str("rid", middleware.GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("api error")
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
