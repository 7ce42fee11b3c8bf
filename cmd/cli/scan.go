package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/config"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/report"
	"github.com/anstrom/batchscan/internal/scanning"
	"github.com/anstrom/batchscan/internal/targets"
)

// scanFlags are the per-batch flags shared by scan and schedule.
type scanFlags struct {
	targetFile       string
	ports            string
	timing           int
	timeout          time.Duration
	concurrency      int
	sequential       bool
	retries          int
	serviceDetection bool
	osDetection      bool
	aggressive       bool
	stealth          bool
	fragment         bool
	scripts          []string
	minRate          int
	maxRate          int
	saveRaw          bool
	noOptimize       bool
	adaptive         bool
	noAnalysis       bool
	formats          []string
	metricsAddr      string
	quiet            bool
}

func (f *scanFlags) register(flags *pflag.FlagSet) {
	defaults := config.Default()

	flags.StringVarP(&f.targetFile, "file", "f", "", "file with one target per line ('#' starts a comment)")
	flags.StringVarP(&f.ports, "ports", "p", defaults.Scanning.Ports, "ports to scan, e.g. '22,80,443' or '1-1000'")
	flags.IntVarP(&f.timing, "timing", "T", defaults.Scanning.Timing, "timing template 0 (paranoid) to 5 (insane)")
	flags.DurationVar(&f.timeout, "timeout", defaults.Scanning.Timeout, "timeout per target scan attempt")
	flags.IntVarP(&f.concurrency, "concurrency", "c", defaults.Scanning.Concurrency, "targets scanned at the same time")
	flags.BoolVar(&f.sequential, "sequential", false, "scan one target at a time in input order")
	flags.IntVar(&f.retries, "retries", defaults.Scanning.Retry.MaxRetries, "retries per target after a failed attempt")
	flags.BoolVar(&f.serviceDetection, "service-detection", defaults.Scanning.ServiceDetection, "detect service versions")
	flags.BoolVar(&f.osDetection, "os-detection", defaults.Scanning.OSDetection, "detect operating systems")
	flags.BoolVar(&f.aggressive, "aggressive", false, "enable aggressive scanning (-A)")
	flags.BoolVar(&f.stealth, "stealth", false, "use a TCP connect scan with polite timing (T2 or slower)")
	flags.BoolVar(&f.fragment, "fragment", false, "fragment probe packets")
	flags.StringSliceVar(&f.scripts, "scripts", nil, "nmap scripts or categories to run")
	flags.IntVar(&f.minRate, "min-rate", 0, "minimum packets per second")
	flags.IntVar(&f.maxRate, "max-rate", 0, "maximum packets per second")
	flags.BoolVar(&f.saveRaw, "save-raw", false, "keep raw nmap XML next to the reports")
	flags.BoolVar(&f.noOptimize, "no-optimize", false, "use the options exactly as given")
	flags.BoolVar(&f.adaptive, "adaptive", false, "scan in phases and stop early when enough was found")
	flags.BoolVar(&f.noAnalysis, "no-analysis", false, "skip risk analysis")
	flags.StringSliceVar(&f.formats, "format", nil, "report formats: json, csv, html, xml, table (repeatable)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "print nothing but errors")
}

// apply copies every flag set on the command line into cfg.
func (f *scanFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("ports") {
		cfg.Scanning.Ports = f.ports
	}
	if flags.Changed("timing") {
		cfg.Scanning.Timing = f.timing
	}
	if flags.Changed("timeout") {
		cfg.Scanning.Timeout = f.timeout
	}
	if flags.Changed("concurrency") {
		cfg.Scanning.Concurrency = f.concurrency
	}
	if f.sequential {
		cfg.Scanning.Concurrency = 1
	}
	if flags.Changed("retries") {
		cfg.Scanning.Retry.MaxRetries = f.retries
	}
	if flags.Changed("service-detection") {
		cfg.Scanning.ServiceDetection = f.serviceDetection
	}
	if flags.Changed("os-detection") {
		cfg.Scanning.OSDetection = f.osDetection
	}
	if flags.Changed("save-raw") {
		cfg.Output.SaveRaw = f.saveRaw
	}
	if f.noOptimize {
		cfg.Optimizer.Enabled = false
	}
	if flags.Changed("adaptive") {
		cfg.Adaptive.Enabled = f.adaptive
	}
	if f.noAnalysis {
		cfg.Analysis.Enabled = false
	}
	if len(f.formats) > 0 {
		cfg.Output.Formats = f.formats
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
}

// options builds the scan options from cfg plus the flags that have no
// configuration key.
func (f *scanFlags) options(cfg *config.Config) scanning.Options {
	opts := optionsFromConfig(cfg)
	opts.Aggressive = f.aggressive
	opts.Stealth = f.stealth
	opts.FragmentPackets = f.fragment
	opts.MinRate = f.minRate
	opts.MaxRate = f.maxRate
	if len(f.scripts) > 0 {
		opts.Scripts = append([]string(nil), f.scripts...)
	}
	return opts
}

// configure loads the layered configuration and applies the flags.
func (f *scanFlags) configure(g *globalOptions, flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	f.apply(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveTargets combines positional targets with the target file.
func resolveTargets(args []string, file string) ([]string, error) {
	list := targets.Parse(strings.Join(args, ","))
	if file != "" {
		loaded, err := targets.LoadFile(file)
		if err != nil {
			return nil, err
		}
		list = append(list, loaded...)
	}
	if len(list) == 0 {
		return nil, errors.NewScanError(errors.CodeValidation, "no targets given: pass targets as arguments or with --file")
	}
	return list, nil
}

func newScanCommand(g *globalOptions) *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scan a batch of targets",
		Long: `Scan every target once and write the batch result plus the requested
reports. Targets are IP addresses, CIDR blocks, address ranges or host
names, given as arguments (comma separated lists work too) or read from a
file. Failed targets are part of the result and do not fail the command.`,
		Example: `  batchscan scan 10.0.0.1 10.0.0.0/29 web.example.com
  batchscan scan -f targets.txt --ports 22,80,443 --concurrency 20
  batchscan scan -f targets.txt --sequential --format html --format csv
  batchscan scan 192.168.1.1-50 --adaptive --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, g, f, args)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func runScan(cmd *cobra.Command, g *globalOptions, f *scanFlags, args []string) error {
	targetList, err := resolveTargets(args, f.targetFile)
	if err != nil {
		return err
	}

	cfg, err := f.configure(g, cmd.Flags())
	if err != nil {
		return err
	}
	opts := f.options(cfg)

	logger := newLogger(cfg)
	defer func() { _ = logger.Close() }()

	ctx, stop := scanContext(cmd.Context())
	defer stop()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	var progress batch.ProgressFunc
	if !f.quiet {
		progress = progressPrinter(cmd.ErrOrStderr())
	}

	result, err := p.run(ctx, targetList, opts, progress)
	if err != nil {
		return err
	}

	batchPath, reports, saveErr := p.save(result)
	if !f.quiet {
		printBatch(out, result, batchPath, reports)
	}
	if saveErr != nil {
		return saveErr
	}

	if ctx.Err() != nil {
		return &exitError{code: exitInterrupted, err: fmt.Errorf("batch %s interrupted", result.ID)}
	}
	return nil
}

// printBatch writes the console summary of a finished batch.
func printBatch(w io.Writer, result *batch.Result, batchPath string, reports []string) {
	fmt.Fprintln(w)
	renderer := report.TableRenderer{Color: !color.NoColor}
	if err := renderer.Render(w, result); err != nil {
		fmt.Fprintf(w, "Failed to render summary: %v\n", err)
	}

	fmt.Fprintln(w)
	if batchPath != "" {
		fmt.Fprintf(w, "Batch saved to %s\n", batchPath)
	}
	for _, path := range reports {
		fmt.Fprintf(w, "Report written to %s\n", path)
	}
}

// scanContext is cancelled on SIGINT or SIGTERM.
func scanContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
