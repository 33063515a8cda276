package main

import (
	"flag"
	"os"

	"bookfeed/internal/config"
	"bookfeed/internal/feed"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/replay"
)

// bookreplay applies a JSON-lines capture of raw feed payloads and prints the
// resulting ladders.
func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	path := flag.String("file", os.Getenv("BOOKFEED_REPLAY_FILE"), "capture file, one raw payload per line")
	market := flag.String("market", cfg.Feed.DefaultMarket, "market to rebuild")
	group := flag.Float64("group", 0, "group size (default: the market's default group)")
	flag.Parse()

	if *path == "" {
		logger.Fatal().Msg("no capture file: pass -file or set BOOKFEED_REPLAY_FILE")
	}
	opts, err := replay.OptionsFor(cfg, *market, *group)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay options")
	}

	res, err := replay.RunFile(*path, opts, feed.NewLogReporter(logger), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay failed")
	}
	replay.Print(os.Stdout, res.Book)
}
