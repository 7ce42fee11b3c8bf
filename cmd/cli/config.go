package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/batchscan/internal/config"
	"github.com/anstrom/batchscan/internal/errors"
)

const (
	defaultConfigPath = configBaseName + ".yaml"
	maskedSecret      = "********"
)

func newConfigCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
		Long: `Settings are layered: built-in defaults, then the config file, then
BATCHSCAN_* environment variables (e.g. BATCHSCAN_SCANNING_CONCURRENCY),
then command-line flags.`,
	}
	cmd.AddCommand(
		newConfigShowCommand(g),
		newConfigInitCommand(),
		newConfigValidateCommand(g),
	)
	return cmd
}

func newConfigShowCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.History.Database.Password != "" {
				cfg.History.Database.Password = maskedSecret
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !force {
				return errors.NewConfigFieldError(errors.CodeValidation,
					"config file already exists, use --force to overwrite", "path", path)
			}

			if err := config.Default().Save(path); err != nil {
				return errors.ErrIO("write config", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = defaultConfigPath
			}

			if _, err := os.Stat(path); err != nil {
				return errors.ErrIO("read config", path, err)
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
}
