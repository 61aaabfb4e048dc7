package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-actors/browser"
	"github.com/aluiziolira/go-scrape-actors/config"
	"github.com/aluiziolira/go-scrape-actors/extract"
	"github.com/aluiziolira/go-scrape-actors/models"
	"github.com/aluiziolira/go-scrape-actors/pipeline"
	"github.com/aluiziolira/go-scrape-actors/scraper"
)

func main() {
	defaults := config.DefaultConfig()

	configPath := flag.String("config", "", "YAML configuration file")
	targetURL := flag.String("url", defaults.TargetURL, "Catalog page to harvest")
	browserName := flag.String("browser", defaults.Browser, "Rendering surface: rod, chromedp, or static")
	headless := flag.Bool("headless", defaults.Headless, "Run the browser headless")
	threshold := flag.Int("threshold", defaults.StagnationThreshold, "Stagnant rounds before the page counts as fully loaded")
	settle := flag.Duration("settle", defaults.SettleDelay, "Base settle delay after each scroll")
	settleMax := flag.Duration("settle-max", defaults.SettleDelayMax, "Settle delay cap while the page height is flat")
	maxIterations := flag.Int("max-iterations", defaults.MaxIterations, "Hard cap on scroll iterations (0 = none)")
	runTimeout := flag.Duration("timeout", defaults.RunTimeout, "Abort the run after this long (0 = none)")
	outputFile := flag.String("output", defaults.OutputFile, "Output file path")
	outputFormat := flag.String("format", defaults.OutputFormat, "Output format: csv, json, dual, or sqlite")
	metricsAddr := flag.String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	checkpointEvery := flag.Int("checkpoint-every", defaults.CheckpointEvery, "Write a partial snapshot every N iterations (0 = never)")
	resume := flag.Bool("resume", defaults.Resume, "Seed the run from existing output")
	verbose := flag.Bool("v", defaults.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.TargetURL = *targetURL
		case "browser":
			cfg.Browser = strings.ToLower(*browserName)
		case "headless":
			cfg.Headless = *headless
		case "threshold":
			cfg.StagnationThreshold = *threshold
		case "settle":
			cfg.SettleDelay = *settle
		case "settle-max":
			cfg.SettleDelayMax = *settleMax
		case "max-iterations":
			cfg.MaxIterations = *maxIterations
		case "timeout":
			cfg.RunTimeout = *runTimeout
		case "output":
			cfg.OutputFile = *outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "checkpoint-every":
			cfg.CheckpointEvery = *checkpointEvery
		case "resume":
			cfg.Resume = *resume
		case "v":
			cfg.Verbose = *verbose
		}
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	acc := pipeline.NewAccumulator()
	if cfg.Resume {
		seedAccumulator(cfg, acc)
	}

	var extractor scraper.Extractor = extract.New(cfg.Selectors, cfg.TargetURL)
	if cfg.ExtractCacheSize > 0 {
		cached, err := extract.NewCaching(extract.New(cfg.Selectors, cfg.TargetURL), cfg.ExtractCacheSize)
		if err != nil {
			slog.Error("creating extractor", slog.Any("error", err))
			return 1
		}
		extractor = cached
	}

	slog.Info("starting harvest",
		slog.String("url", cfg.TargetURL),
		slog.String("browser", cfg.Browser),
		slog.Int("threshold", cfg.StagnationThreshold),
		slog.Int("seeded", acc.Len()),
	)

	surface, err := browser.Open(ctx, cfg)
	if err != nil {
		slog.Error("opening rendering surface", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := surface.Close(); err != nil {
			slog.Error("close surface", slog.Any("error", err))
		}
	}()

	partial := partialPath(cfg.OutputFile)
	opts := scraper.OptionsFromConfig(cfg)
	opts.OnCheckpoint = func(iteration int, records []models.Record) {
		if err := pipeline.WriteSnapshot(partial, records); err != nil {
			slog.Warn("checkpoint failed", slog.Any("error", err))
			return
		}
		slog.Info("checkpoint saved",
			slog.Int("iteration", iteration),
			slog.Int("records", len(records)),
			slog.String("file", partial),
		)
	}

	h, err := scraper.NewHarvester(surface, extractor, acc, opts)
	if err != nil {
		slog.Error("initialising harvester", slog.Any("error", err))
		return 1
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	result, runErr := h.Run(ctx)
	logRunError(slog.Default(), runErr)

	// Whatever was accumulated is persisted, even after an abort.
	metrics, err := persist(cfg, result.Records)
	if err != nil {
		slog.Error("writing output failed", slog.Any("error", err))
		return 1
	}
	if len(result.Records) > 0 {
		if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("remove checkpoint", slog.Any("error", err))
		}
	}

	printSummary(result, cfg.OutputFile, metrics)
	if result.State == models.StateAborted {
		return 1
	}
	return 0
}

// logRunError reports why Run stopped early. A stop from a signal or the
// run watchdog is expected and logged as a warning.
func logRunError(logger *slog.Logger, err error) {
	var cancelled scraper.ErrCancelled
	switch {
	case err == nil:
	case errors.As(err, &cancelled):
		logger.Warn("stop requested, saving partial results", slog.Any("error", err))
	default:
		logger.Error("harvest aborted", slog.Any("error", err))
	}
}

// persist writes records through the batching pipeline and validates the
// output. Nothing is written for an empty harvest, so an earlier file is
// never clobbered.
func persist(cfg *config.Config, records []models.Record) (map[string]interface{}, error) {
	if len(records) == 0 {
		slog.Warn("no records harvested, output left untouched", slog.String("file", cfg.OutputFile))
		return nil, nil
	}

	writer, err := pipeline.NewOutputWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	p := pipeline.NewPipeline(writer, cfg.BatchSize)
	if err := p.Process(records...); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Close(); err != nil {
		return nil, fmt.Errorf("pipeline shutdown: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return nil, fmt.Errorf("output validation: %w", err)
	}
	return p.GetMetrics(), nil
}

// seedAccumulator loads records from the previous output and any partial
// checkpoint left by an interrupted run.
func seedAccumulator(cfg *config.Config, acc *pipeline.Accumulator) {
	sources := []string{cfg.OutputFile, partialPath(cfg.OutputFile)}
	for i, path := range sources {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var (
			records []models.Record
			err     error
		)
		switch {
		case i == 0 && cfg.OutputFormat == "sqlite":
			records, err = pipeline.ReadSQLite(path)
		case i == 0 && cfg.OutputFormat == "json":
			slog.Warn("resume reads csv or sqlite output only", slog.String("file", path))
			continue
		default:
			records, err = pipeline.ReadCSV(path)
		}
		if err != nil {
			slog.Warn("could not read previous output", slog.String("file", path), slog.Any("error", err))
			continue
		}
		added := acc.Seed(records)
		slog.Info("resumed from previous output", slog.String("file", path), slog.Int("records", added))
	}
}

func partialPath(output string) string {
	return output + ".partial.csv"
}

func printSummary(result *models.HarvestResult, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")

	duration := result.EndTime.Sub(result.StartTime)
	fmt.Printf("  State:         %s\n", result.State)
	fmt.Printf("  Reason:        %s\n", result.Reason)
	fmt.Printf("  Records:       %d (%d new, %d resumed)\n", len(result.Records), result.NewRecords, result.SeededRecords)
	if result.ExpectedTotal > 0 {
		fmt.Printf("  Advertised:    %d\n", result.ExpectedTotal)
	}
	fmt.Printf("  Iterations:    %d\n", result.Iterations)
	fmt.Printf("  Skipped:       %d\n", result.SkippedElements)
	fmt.Printf("  Parse errors:  %d\n", result.ParseErrors)
	fmt.Printf("  Scroll fails:  %d\n", result.ScrollFailures)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	if duration.Seconds() > 0 {
		fmt.Printf("  Records/sec:   %.2f\n", float64(result.NewRecords)/duration.Seconds())
	}
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
