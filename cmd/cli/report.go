package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/report"
	"github.com/anstrom/batchscan/internal/storage"
)

const (
	defaultReportFormat = report.FormatHTML
	stdoutPath          = "-"
	timeLayout          = "2006-01-02 15:04:05"
)

func newReportCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and manage reports",
		Long: `Generate reports from saved batches and manage the report files in the
output directory.`,
		Example: `  batchscan report generate 3f2c... --format html
  batchscan report generate 3f2c... -o findings.csv
  batchscan report list
  batchscan report delete 3f2c....html`,
	}
	cmd.AddCommand(
		newReportGenerateCommand(g),
		newReportListCommand(g),
		newReportDeleteCommand(g),
	)
	return cmd
}

// openStore loads the configuration and opens the result tree.
func (g *globalOptions) openStore() (*storage.Store, *logging.Logger, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	return storage.New(cfg.Output.Directory, logger), logger, nil
}

func newReportGenerateCommand(g *globalOptions) *cobra.Command {
	var formatName, output string

	cmd := &cobra.Command{
		Use:   "generate <batch-id>",
		Short: "Render a saved batch",
		Long: `Render a saved batch in the given format. Without --output the report is
stored in the reports directory; "-o -" writes it to stdout. When only
--output is given, the format follows its extension.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, logger, err := g.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			result, err := store.LoadBatch(args[0])
			if err != nil {
				return err
			}

			format, err := reportFormat(formatName, output)
			if err != nil {
				return err
			}

			switch output {
			case stdoutPath:
				return report.Render(cmd.OutOrStdout(), result, format)
			case "":
				path, err := store.SaveReport(result, format, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", path)
			default:
				if err := report.WriteFile(output, result, format); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&formatName, "format", "", "report format: json, csv, html, xml, table (default html)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, '-' for stdout")
	return cmd
}

// reportFormat picks the explicit format, else the output extension, else
// the default.
func reportFormat(name, output string) (report.Format, error) {
	if name != "" {
		return report.ParseFormat(name)
	}
	if output != "" && output != stdoutPath {
		if format, ok := report.FormatForPath(output); ok {
			return format, nil
		}
	}
	return defaultReportFormat, nil
}

func newReportListCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, logger, err := g.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			reports, err := store.ListReports()
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
}

func printReports(w io.Writer, reports []storage.ReportInfo) error {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No reports found.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Format", "Size", "Modified")
	for _, r := range reports {
		if err := table.Append([]string{
			r.Name,
			string(r.Format),
			formatSize(r.Size),
			r.Modified.Local().Format(timeLayout),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

func newReportDeleteCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, logger, err := g.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			if err := store.DeleteReport(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted report %s\n", args[0])
			return nil
		},
	}
}
