package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"fastbook/internal/client"
	"fastbook/internal/config"
	"fastbook/internal/exchange"
	"fastbook/internal/factory"
	"fastbook/internal/logging"
	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"
	"fastbook/internal/publish"
	"fastbook/internal/sequencer"
	"fastbook/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	// Parse command line flags
	var configPath = flag.String("config", "", "Path to a YAML config file")
	var symbols = flag.String("symbols", "", "Comma-separated symbols replacing the first feed's list")
	var logInterval = flag.Duration("log-interval", 0, "Interval for printing book stats (overrides app.stats_interval)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *symbols != "" {
		cfg.Feeds[0].Symbols = strings.Split(*symbols, ",")
	}
	if *logInterval > 0 {
		cfg.App.StatsInterval = *logInterval
	}

	logger := logging.New(cfg.Log)

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Strs("feeds", getFeedNames(cfg.Feeds)).
		Dur("stats_interval", cfg.App.StatsInterval).
		Msg("starting book reconstruction")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fastbook stopped")
	}
	logger.Info().Msg("All feeds closed. Goodbye!")
}

func getFeedNames(feeds []config.FeedConfig) []string {
	names := make([]string, len(feeds))
	for i, f := range feeds {
		names[i] = string(f.Name)
	}
	return names
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := metrics.Init(logger)

	precision, err := cfg.SymbolPrecision()
	if err != nil {
		return err
	}
	overflow, err := sequencer.ParseOverflow(cfg.Queue.Overflow)
	if err != nil {
		return err
	}

	books := client.New(client.Options{
		Book: orderbook.Options{
			HeadroomTicks:        cfg.Book.HeadroomTicks,
			MaxLevels:            cfg.Book.MaxLevels,
			RecomputeTickOnDelta: cfg.Book.RecomputeTickOnDelta,
		},
		Precision: precision,
		Queue: sequencer.Options{
			Capacity: cfg.Queue.Capacity,
			Overflow: overflow,
		},
		NotifyTimeout: cfg.App.NotifyTimeout,
		ResyncTimeout: cfg.App.ResyncTimeout,
		Logger:        logger,
	})

	feeds := make([]exchange.Feed, 0, len(cfg.Feeds))
	reporters := make([]websocket.HealthReporter, 0, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		feed, err := factory.NewFeed(factory.FeedConfig{
			Name:      fc.Name,
			Symbols:   fc.Symbols,
			Precision: fc.Precision,
			Frequency: fc.Frequency,
			Depth:     fc.Depth,
			URL:       fc.URL,
			RESTURL:   fc.RESTURL,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		feeds = append(feeds, feed)
		reporters = append(reporters, feed)
	}

	// Subscribers are registered before any event can arrive
	server := websocket.NewServer(websocket.Options{
		Addr:         cfg.Server.Addr,
		PushInterval: cfg.Server.PushInterval,
		Depth:        cfg.Server.Depth,
		TickLevel:    cfg.App.DefaultTickLevel,
		Registry:     reg,
		Feeds:        reporters,
		Logger:       logger,
	})
	books.Subscribe(server)

	if cfg.Kafka.Enabled {
		pub := publish.NewPublisher(publish.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Server.Depth, logger)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error().Err(err).Msg("kafka close failed")
			}
		}()
		books.Subscribe(pub)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka publisher enabled")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	var wg sync.WaitGroup
	connected := 0
	for _, feed := range feeds {
		log := logger.With().Str("feed", string(feed.GetName())).Logger()
		log.Info().Strs("symbols", feed.Symbols()).Msg("connecting")
		if err := feed.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("failed to connect")
			continue
		}
		connected++

		wg.Add(1)
		go func(feed exchange.Feed) {
			defer wg.Done()
			if err := books.Run(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("feed stopped")
				return
			}
			log.Info().Msg("connection closed")
		}(feed)
	}
	if connected == 0 {
		return errors.New("no feed could connect")
	}

	// Centralized stats ticker
	go func() {
		ticker := time.NewTicker(cfg.App.StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				printCombinedStats(books)
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}
	logger.Info().Msg("Shutting down...")

	for _, feed := range feeds {
		if err := feed.Close(); err != nil {
			logger.Warn().Err(err).Str("feed", string(feed.GetName())).Msg("close failed")
		}
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := books.Close(shutdownCtx); err != nil {
		return fmt.Errorf("drain queues: %w", err)
	}
	return nil
}

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func printCombinedStats(books *client.Client) {
	symbols := books.Symbols()
	if len(symbols) == 0 {
		return
	}

	fmt.Println()

	for i, symbol := range symbols {
		v, ok := books.View(symbol)
		if !ok || !v.Initialized {
			continue
		}
		bid, _ := v.BestBid()
		ask, _ := v.BestAsk()
		bestBid := decimal.NewFromFloat(bid.Price)
		bestAsk := decimal.NewFromFloat(ask.Price)
		midPrice := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))

		state := colorGreen + "ok" + colorReset
		switch {
		case v.Desynced:
			state = colorRed + "desynced" + colorReset
		case !v.Valid:
			state = colorYellow + "crossed" + colorReset
		}

		// Print symbol header
		fmt.Printf("%s%s%s [%s] seq %d", colorBold, symbol, colorReset, state, v.Seq)
		fmt.Printf("  Mid: %s%10s%s │ Spread: %s%8s%s | BB: %s%10s%s │ BA: %s%10s%s\n",
			colorYellow, midPrice.StringFixed(2), colorReset,
			colorMagenta, bestAsk.Sub(bestBid).StringFixed(4), colorReset,
			colorGreen, bestBid.StringFixed(2), colorReset,
			colorRed, bestAsk.StringFixed(2), colorReset)

		fmt.Printf("  LEVELS:    Bids: %s%9d%s │ Asks: %s%9d%s │ events %d │ failures %d │ delay %v\n",
			colorGreen, v.Stats.BidLevels, colorReset,
			colorRed, v.Stats.AskLevels, colorReset,
			v.Stats.EventsProcessed, v.Stats.Failures, v.FeedDelay)

		// Print separator between symbols (but not after the last one)
		if i < len(symbols)-1 {
			fmt.Println()
		}
	}
}

