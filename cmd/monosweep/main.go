package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"monosweep/internal/cfg"
	"monosweep/internal/common"
	"monosweep/internal/dataset"
	"monosweep/internal/metrics"
	"monosweep/internal/predictor"
	"monosweep/internal/report"
	"monosweep/internal/storage"
	"monosweep/internal/trainer"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stream used for the train/val/test shuffle. Training runs use streams 1-3.
const splitStream = 0

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (overrides CONFIG_FILE)")
		envFile    = flag.String("env", ".env", "Optional .env file")
		dataPath   = flag.String("data", "", "CSV path or http(s) URL (overrides config)")
		outputPath = flag.String("output", "", "Output directory for reports (overrides config)")
		predictorK = flag.String("predictor", "", "Base predictor: mlp, cnn, tree, gbt, svr (overrides config)")
		workers    = flag.Int("workers", 0, "Concurrent training runs (overrides config)")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		list       = flag.Bool("list", false, "List stored sweeps and exit")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("file", *envFile).Msg("Failed to load env file")
	}
	if *configPath != "" {
		os.Setenv(common.EnvConfigFile, *configPath)
	}

	s, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	applyOverrides(&s, *dataPath, *outputPath, *predictorK, *workers)
	if err := s.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if *list {
		if err := listSweeps(s); err != nil {
			log.Fatal().Err(err).Msg("Failed to list sweeps")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if s.MetricsPort > 0 {
		startMetricsServer(ctx, s.MetricsPort)
	}

	if err := run(ctx, s, m); err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}
}

func applyOverrides(s *cfg.Settings, dataPath, outputPath, kind string, workers int) {
	if dataPath != "" {
		s.DataPath = dataPath
	}
	if outputPath != "" {
		s.OutputPath = outputPath
	}
	if kind != "" {
		s.Predictor = kind
	}
	if workers > 0 {
		s.Workers = workers
	}
}

func run(ctx context.Context, s cfg.Settings, m *metrics.Metrics) error {
	log.Info().
		Str("data", s.DataPath).
		Str("predictor", s.Predictor).
		Str("adjustment", s.Adjustment).
		Str("penalty", s.Penalty).
		Floats64("lambdas", s.Lambdas).
		Strs("monotonic", s.MonotonicColumns).
		Msg("Starting monotonicity sweep")

	table, err := dataset.NewLoader(s.FetchTimeout).Load(ctx, s.DataPath)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	data, err := dataset.Prepare(table, dataset.PrepareOptions{
		Target:      s.TargetColumn,
		Features:    s.FeatureColumns,
		Divisor:     s.TargetDivisor,
		ScaleTarget: s.ScaleTarget,
		TrainRatio:  s.TrainRatio,
		ValRatio:    s.ValRatio,
	}, rand.New(rand.NewPCG(s.Seed, splitStream)))
	if err != nil {
		return fmt.Errorf("prepare data: %w", err)
	}
	m.SetDataset(data.Train.Len()+data.Val.Len()+data.Test.Len(), data.Dropped)

	cols, err := data.ColumnIndexes(s.MonotonicColumns)
	if err != nil {
		return err
	}
	subsets, err := trainer.BuildSubsets(s.SubsetMode, s.MonotonicColumns, cols)
	if err != nil {
		return err
	}

	factory, err := predictor.NewFactory(predictor.ConfigFromSettings(s))
	if err != nil {
		return err
	}
	tr := trainer.New(factory, trainer.OptionsFromSettings(s), metrics.NewWrapper(m))
	sweeper := trainer.NewSweeper(tr, data, trainer.SweepOptions{
		Workers:    s.Workers,
		LossLambda: s.LossLambda,
		Experiment: s.Experiment,
	})

	sweep, err := sweeper.Run(ctx, subsets, s.Lambdas)
	if err != nil {
		return err
	}

	if s.StorePath != "" {
		if err := persist(s, data, sweep); err != nil {
			log.Error().Err(err).Str("store", s.StorePath).Msg("Failed to store sweep")
		}
	}

	reporter := report.NewReporter(sweep, s.OutputPath)
	if err := reporter.GenerateReport(); err != nil {
		log.Error().Err(err).Msg("Failed to generate reports")
	}
	reporter.PrintSummary(os.Stdout)

	log.Info().
		Str("sweep_id", sweep.ID.String()).
		Str("output", s.OutputPath).
		Int("failures", len(sweep.Failures)).
		Msg("Sweep completed")
	return nil
}

func persist(s cfg.Settings, data *dataset.Splits, sweep *trainer.Sweep) error {
	if err := os.MkdirAll(s.StorePath, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	store, err := storage.New(s.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveSweep(sweep); err != nil {
		return err
	}
	return store.SaveDataset(sweep.ID, storage.DatasetRecord{
		Source:           s.DataPath,
		Target:           data.Target,
		FeatureColumns:   data.FeatureNames,
		MonotonicColumns: s.MonotonicColumns,
		TargetDivisor:    s.TargetDivisor,
		ScaleTarget:      s.ScaleTarget,
		TrainRows:        data.Train.Len(),
		ValRows:          data.Val.Len(),
		TestRows:         data.Test.Len(),
		DroppedRows:      data.Dropped,
		Seed:             s.Seed,
	})
}

func listSweeps(s cfg.Settings) error {
	if s.StorePath == "" {
		return fmt.Errorf("no store path configured")
	}
	store, err := storage.New(s.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	experiments, err := store.ListExperiments("")
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXPERIMENT\tPREDICTOR\tSTARTED\tRUNS\tFAILED\t")
	for _, e := range experiments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t\n",
			e.ID, e.Experiment, e.Predictor, e.StartedAt.Format("2006-01-02 15:04:05"), e.Runs, len(e.Failures))
	}
	return tw.Flush()
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()
}
