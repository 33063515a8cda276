package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FeedMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_messages_total", Help: "Inbound feed messages by kind"}, []string{"kind"})
	FeedErrorsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_errors_total", Help: "Feed errors by kind (transport, malformed, protocol)"}, []string{"kind"})
	FeedDroppedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_dropped_total", Help: "Messages ignored by reason"}, []string{"reason"})
	FeedState         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_state", Help: "0 connecting, 1 open, 2 closed-auto, 3 closed-manual"})
	FeedKillsTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_kills_total", Help: "Manual feed kills"})
	WSReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WS reconnects by market and reason"}, []string{"market", "reason"})
	BookRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_rebuilds_total", Help: "Orderbook rebuilds by market and reason"}, []string{"market", "reason"})
	LevelUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "level_updates_total", Help: "Price level updates applied by side"}, []string{"side"})
	LadderLevels      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ladder_levels", Help: "Grouped levels per side"}, []string{"side"})
	ApplyLatencyUs    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "book_apply_latency_us", Help: "Time to apply one message to the book", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stream_subscribers", Help: "Open book view streams"})
	RateLimitedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limited_total", Help: "Rejected action requests by route"}, []string{"route"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		FeedMessagesTotal, FeedErrorsTotal, FeedDroppedTotal, FeedState, FeedKillsTotal,
		WSReconnectsTotal, BookRebuildsTotal, LevelUpdatesTotal, LadderLevels, ApplyLatencyUs,
		StreamSubscribers, RateLimitedTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
