// Package cli provides the cobra command tree for batchscan: scanning
// batches, managing reports and history, recurring schedules and
// configuration.
package cli

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/batchscan/internal/config"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
)

const (
	envPrefix      = "BATCHSCAN"
	configBaseName = "batchscan"

	// exitInterrupted follows the shell convention for SIGINT.
	exitInterrupted = 130
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// exitError carries a process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// globalOptions holds the persistent flags and the viper instance shared by
// every command of one invocation.
type globalOptions struct {
	configFile string
	verbose    bool
	v          *viper.Viper
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		var exitErr *exitError
		if stderrors.As(err, &exitErr) {
			return exitErr.code
		}
		return 1
	}
	return 0
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{v: viper.New()}

	root := &cobra.Command{
		Use:   "batchscan",
		Short: "Batch network scanner",
		Long: `batchscan scans lists of hosts, addresses and networks with nmap,
scores the findings, and writes the results as JSON, CSV, HTML, XML or
console tables. Batches run sequentially or on a bounded worker pool and
can be scheduled with cron expressions.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.initConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configFile, "config", "", "config file (default is ./batchscan.yaml)")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("output-dir", "", "directory for batch results and reports")

	root.AddCommand(
		newScanCommand(g),
		newReportCommand(g),
		newHistoryCommand(g),
		newScheduleCommand(g),
		newConfigCommand(g),
		newVersionCommand(),
	)
	return root
}

// initConfig wires config file discovery, BATCHSCAN_* environment variables
// and the persistent flags into the viper instance.
func (g *globalOptions) initConfig(cmd *cobra.Command) error {
	v := g.v

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setConfigDefaults(v, config.Default()); err != nil {
		return err
	}

	persistent := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("logging.level", persistent.Lookup("log-level")); err != nil {
		return fmt.Errorf("failed to bind log-level flag: %w", err)
	}
	if err := v.BindPFlag("output.directory", persistent.Lookup("output-dir")); err != nil {
		return fmt.Errorf("failed to bind output-dir flag: %w", err)
	}

	if g.configFile != "" {
		v.SetConfigFile(g.configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(configBaseName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if g.configFile != "" || !stderrors.As(err, &notFound) {
			return errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
		}
	} else if g.verbose {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", v.ConfigFileUsed())
	}
	return nil
}

// setConfigDefaults registers every leaf of defaults as a viper default so
// that environment variables can override any key.
func setConfigDefaults(v *viper.Viper, defaults *config.Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, value)
	}
}

// loadConfig decodes the layered settings over the built-in defaults and
// validates the result.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if err := g.v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to decode configuration", err)
	}
	if g.verbose {
		cfg.Logging.Level = logging.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger creates the logger for one command run.
func newLogger(cfg *config.Config) *logging.Logger {
	logCfg := cfg.Logging
	logCfg.AddSource = logCfg.AddSource || logCfg.Level == logging.LevelDebug

	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		return logging.NewDefault()
	}
	return logger
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
