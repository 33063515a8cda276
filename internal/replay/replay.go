package replay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"bookfeed/internal/config"
	"bookfeed/internal/feed"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/metrics"
	"bookfeed/internal/orderbook"
)

const maxLine = 4 << 20

// Options select the market and bucket width a capture is replayed with.
type Options struct {
	FeedName string
	Market   string
	Group    float64
}

// Result summarises one replay.
type Result struct {
	Lines    int
	Applied  int
	Control  int
	Skipped  int // other markets and deltas before the first snapshot
	Rejected int // malformed or protocol errors, each reported
	Book     orderbook.Book
}

// OptionsFor replays market at group. A zero group means the market's default
// group, so switching market alone never inherits another market's width.
func OptionsFor(cfg config.Config, market string, group float64) (Options, error) {
	m, ok := cfg.Markets.Lookup(market)
	if !ok {
		return Options{}, fmt.Errorf("replay: %w: %q", feed.ErrUnknownMarket, market)
	}
	if group == 0 {
		group = m.DefaultGroup
	}
	if !m.Allows(group) {
		return Options{}, fmt.Errorf("replay: %w: %v not in %v", feed.ErrGroupNotAllowed, group, m.Groups)
	}
	return Options{FeedName: cfg.Feed.Name, Market: market, Group: group}, nil
}

// Run reads a JSON-lines capture of raw feed payloads, one per line, and
// applies it the same way a live session would.
func Run(r io.Reader, opts Options, reporter feed.Reporter, logger log.Logger) (Result, error) {
	l := log.Component(logger, "replay")
	dec := feed.NewDecoder(opts.FeedName)
	res := Result{Book: orderbook.NewBook(opts.Market, opts.Group)}
	synced := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		res.Lines++
		msg, err := dec.Decode(line)
		if err != nil {
			res.Rejected++
			reporter.Report(fmt.Errorf("line %d: %w", res.Lines, err))
			continue
		}
		metrics.FeedMessagesTotal.WithLabelValues(msg.Kind.String()).Inc()
		switch {
		case msg.Kind == feed.KindControl:
			res.Control++
		case msg.Market != "" && msg.Market != opts.Market:
			res.Skipped++
		case msg.Kind == feed.KindSnapshot:
			res.Book = orderbook.NewBook(opts.Market, opts.Group).ApplySnapshot(msg.Snapshot)
			synced = true
			res.Applied++
		case !synced:
			res.Skipped++
		default:
			res.Book = res.Book.ApplyDelta(msg.Delta)
			res.Applied++
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("replay: read line %d: %w", res.Lines+1, err)
	}
	l.Info().
		Int("lines", res.Lines).
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Int("rejected", res.Rejected).
		Msg("replay finished")
	return res, nil
}

func RunFile(path string, opts Options, reporter feed.Reporter, logger log.Logger) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return Run(f, opts, reporter, logger)
}

// Print writes both ladders with asks on top so the spread sits between them.
func Print(w io.Writer, b orderbook.Book) {
	asks := b.Asks.Levels()
	maxTotal := b.MaxTotal()
	fmt.Fprintf(w, "%s  group %g\n", b.Market, b.GroupSize)
	fmt.Fprintf(w, "%14s %14s %14s %6s\n", "PRICE", "SIZE", "TOTAL", "DEPTH")
	for i := len(asks) - 1; i >= 0; i-- {
		printLevel(w, asks[i], maxTotal)
	}
	if s, ok := b.Spread(); ok {
		fmt.Fprintf(w, "%14s spread %g\n", "", s)
	} else {
		fmt.Fprintf(w, "%14s spread -\n", "")
	}
	for _, lv := range b.Bids.Levels() {
		printLevel(w, lv, maxTotal)
	}
}

func printLevel(w io.Writer, lv orderbook.Level, maxTotal float64) {
	fmt.Fprintf(w, "%14.2f %14g %14g %5.0f%%\n", lv.Price, lv.Size, lv.Total, lv.Intensity(maxTotal)*100)
}
