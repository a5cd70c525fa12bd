package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dorskfr/ratewatch/internal/arbitrage"
	"github.com/dorskfr/ratewatch/internal/config"
	"github.com/dorskfr/ratewatch/internal/exchanges"
	"github.com/dorskfr/ratewatch/internal/service"
	"github.com/dorskfr/ratewatch/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

func main() {
	envFile := flag.String("env", "", "dotenv file holding the exchange settings")
	currencies := flag.String("currencies", "", "comma separated currencies to watch, all when empty")
	venues := flag.String("exchanges", strings.Join(exchanges.Known(), ","), "comma separated exchanges")
	dummies := flag.Int("dummies", 0, "number of simulated exchanges to add")
	interval := flag.Duration("interval", 30*time.Second, "poll interval for exchanges without streaming")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := utils.InitLogging(*logLevel); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logging")
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	store, err := config.LoadEnv(envFiles...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	codes := splitList(*currencies)
	names := splitList(*venues)
	for i := 0; i < *dummies; i++ {
		names = append(names, "dummy")
	}

	var services []*service.Service
	for _, name := range names {
		constructor, ok := exchanges.ByName(name)
		if !ok {
			log.Fatal().Str("exchange", name).Strs("known", exchanges.Known()).Msg("Unknown exchange")
		}
		s := service.New(constructor(exchanges.WithConfig(store)), service.WithCurrencies(codes...))
		if len(s.Wanted()) == 0 {
			log.Warn().Str("exchange", s.Name()).Strs("currencies", codes).Msg("No wanted pair, skipping")
			continue
		}
		services = append(services, s)
	}
	if len(services) == 0 {
		log.Fatal().Msg("Nothing to watch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector := arbitrage.NewDetector(arbitrage.DefaultBufferSize)
	go detector.Run(ctx)

	var wg sync.WaitGroup
	var streams []service.Streamer
	for _, s := range services {
		detector.Watch(s)
		if _, err := s.CurrentRates(ctx); err != nil {
			log.Warn().Err(err).Str("exchange", s.Name()).Msg("Initial fetch failed")
		}

		if st := s.Stream(); st != nil {
			streams = append(streams, st)
			wg.Add(1)
			go runStream(ctx, &wg, s, st)
			continue
		}
		if err := s.PeriodicUpdate(ctx, *interval); err != nil {
			log.Fatal().Err(err).Str("exchange", s.Name()).Msg("Failed to schedule updates")
		}
	}

	log.Info().Strs("exchanges", lo.Map(services, func(s *service.Service, _ int) string { return s.Name() })).Msg("Watching")

	utils.WaitForShutdownSignal(cancel)
	for _, st := range streams {
		st.Close()
	}
	for _, s := range services {
		s.StopPeriodicUpdate()
	}
	if !utils.ShutdownWg(&wg, 10*time.Second) {
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}

func runStream(ctx context.Context, wg *sync.WaitGroup, s *service.Service, st service.Streamer) {
	defer wg.Done()
	log.Info().Str("exchange", s.Name()).Msg("Starting stream")
	if err := st.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("exchange", s.Name()).Msg("Stream stopped")
	}
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
