package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/anstrom/batchscan/internal/analysis"
	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/config"
	"github.com/anstrom/batchscan/internal/db"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/metrics"
	"github.com/anstrom/batchscan/internal/report"
	"github.com/anstrom/batchscan/internal/scanning"
	"github.com/anstrom/batchscan/internal/storage"
)

const (
	rawDirName             = "raw"
	metricsShutdownTimeout = 5 * time.Second
)

// newEngine builds the scan engine for a configuration.
var newEngine = func(cfg *config.Config, logger *logging.Logger) scanning.Engine {
	return scanning.NewNmapEngine(scanning.NmapConfig{
		BinaryPath:   cfg.Scanning.NmapPath,
		MaxProcesses: cfg.Scanning.MaxProcesses,
	}, logger)
}

// pipeline bundles everything needed to run and persist batches for one
// configuration: orchestrator, result store, and the optional metrics
// endpoint and history index.
type pipeline struct {
	cfg          *config.Config
	logger       *logging.Logger
	orchestrator *batch.Orchestrator
	store        *storage.Store
	metrics      *metrics.Server
	database     *db.DB
}

func newPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pipeline, error) {
	p := &pipeline{
		cfg:    cfg,
		logger: logger,
		store:  storage.New(cfg.Output.Directory, logger),
	}

	engine := newEngine(cfg, logger)
	if cfg.Adaptive.Enabled {
		engine = scanning.NewAdaptiveEngine(engine, adaptiveConfig(cfg), logger)
	}

	var analyzer scanning.Analyzer
	if cfg.Analysis.Enabled {
		analyzer = analysis.NewRiskTable(analysis.Config{
			MediumPortThreshold: cfg.Analysis.MediumPortThreshold,
			ManyPortsThreshold:  cfg.Analysis.ManyPortsThreshold,
		})
	}

	opts := []batch.Option{
		batch.WithOptimizer(scanning.NewOptimizer(scanning.OptimizerConfig{
			AggressiveAbove:  cfg.Optimizer.AggressiveAbove,
			NormalAbove:      cfg.Optimizer.NormalAbove,
			OSDetectionUpTo:  cfg.Optimizer.OSDetectionUpTo,
			AddDatabasePorts: cfg.Optimizer.DatabasePortsAppend,
		})),
	}

	if cfg.Metrics.Enabled {
		m := metrics.New(nil)
		server := metrics.NewServer(cfg.Metrics.ListenAddr, m.Registry(), logger)
		if err := server.Start(); err != nil {
			return nil, err
		}
		p.metrics = server
		opts = append(opts, batch.WithObserver(m))
	}

	if cfg.History.Enabled {
		database, err := db.ConnectAndMigrate(ctx, &cfg.History.Database)
		if err != nil {
			logger.Warn("History index unavailable, continuing without it", "error", err)
		} else {
			p.database = database
			opts = append(opts, batch.WithRecorder(db.NewBatchRepository(database, logger)))
		}
	}

	p.orchestrator = batch.NewOrchestrator(
		scanning.NewExecutor(engine, logger),
		analyzer,
		batch.Config{
			MaxConcurrency: cfg.Scanning.MaxConcurrency,
			RateLimit:      cfg.Scanning.RateLimit,
		},
		logger,
		opts...,
	)
	return p, nil
}

// Close releases the metrics endpoint and the database connection.
func (p *pipeline) Close() {
	if p.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := p.metrics.Shutdown(ctx); err != nil {
			p.logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	if p.database != nil {
		if err := p.database.Close(); err != nil {
			p.logger.Warn("Failed to close history database", "error", err)
		}
	}
}

// run executes one batch.
func (p *pipeline) run(ctx context.Context, targetList []string, opts scanning.Options, progress batch.ProgressFunc) (*batch.Result, error) {
	return p.orchestrator.Run(ctx, targetList, opts, batch.RunOptions{
		Concurrency: p.cfg.Scanning.Concurrency,
		Optimize:    p.cfg.Optimizer.Enabled,
		Progress:    progress,
	})
}

// save writes the batch record and one report per configured format.
func (p *pipeline) save(result *batch.Result) (string, []string, error) {
	batchPath, err := p.store.SaveBatch(result)
	if err != nil {
		return "", nil, err
	}

	formats, err := parseFormats(p.cfg.Output.Formats)
	if err != nil {
		return batchPath, nil, err
	}

	var reports []string
	for _, format := range formats {
		path, err := p.store.SaveReport(result, format, "")
		if err != nil {
			return batchPath, reports, err
		}
		reports = append(reports, path)
	}
	return batchPath, reports, nil
}

func parseFormats(names []string) ([]report.Format, error) {
	formats := make([]report.Format, 0, len(names))
	seen := make(map[report.Format]bool, len(names))
	for _, name := range names {
		format, err := report.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		if !seen[format] {
			seen[format] = true
			formats = append(formats, format)
		}
	}
	return formats, nil
}

// optionsFromConfig maps the scanning section onto engine options.
func optionsFromConfig(cfg *config.Config) scanning.Options {
	opts := scanning.DefaultOptions()
	opts.Ports = cfg.Scanning.Ports
	opts.Timing = cfg.Scanning.Timing
	opts.Timeout = cfg.Scanning.Timeout
	opts.ServiceDetection = cfg.Scanning.ServiceDetection
	opts.OSDetection = cfg.Scanning.OSDetection
	opts.Retries = cfg.Scanning.Retry.MaxRetries
	opts.RetryDelay = cfg.Scanning.Retry.RetryDelay
	opts.BackoffMultiplier = cfg.Scanning.Retry.BackoffMultiplier
	if cfg.Output.SaveRaw {
		opts.SaveRaw = true
		opts.RawDir = filepath.Join(cfg.Output.Directory, rawDirName)
	}
	return opts
}

func adaptiveConfig(cfg *config.Config) scanning.AdaptiveConfig {
	phases := make([]scanning.Phase, len(cfg.Adaptive.Phases))
	for i, phase := range cfg.Adaptive.Phases {
		phases[i] = scanning.Phase{Name: phase.Name, Ports: phase.Ports, Timing: phase.Timing}
	}
	return scanning.AdaptiveConfig{
		Phases:                  phases,
		StopAfterPorts:          cfg.Adaptive.StopAfterPorts,
		MinPhasesBeforeIdleStop: cfg.Adaptive.MinPhasesBeforeIdleStop,
	}
}

// progressPrinter writes one line per resolved target.
func progressPrinter(w io.Writer) batch.ProgressFunc {
	return func(p batch.Progress) {
		fmt.Fprintf(w, "[%d/%d] %-30s %s\n", p.Completed, p.Total, p.Target, statusColor(p.Status))
	}
}

func statusColor(status scanning.Status) string {
	switch status {
	case scanning.StatusSuccess:
		return color.GreenString(string(status))
	case scanning.StatusCancelled:
		return color.YellowString(string(status))
	default:
		return color.RedString(string(status))
	}
}
