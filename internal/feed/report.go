package feed

import (
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/metrics"
)

// Reporter is the observability sink for feed errors. Report must not block.
type Reporter interface {
	Report(err error)
}

// LogReporter logs feed errors and counts them by kind.
type LogReporter struct {
	logger log.Logger
}

func NewLogReporter(logger log.Logger) *LogReporter {
	return &LogReporter{logger: log.Component(logger, "feed")}
}

func (r *LogReporter) Report(err error) {
	kind := ErrorKind(err)
	metrics.FeedErrorsTotal.WithLabelValues(kind).Inc()
	ev := r.logger.Warn()
	if kind == "transport" {
		ev = r.logger.Error()
	}
	ev.Err(err).Str("kind", kind).Msg("feed error")
}
