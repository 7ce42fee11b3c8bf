package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/batchscan/internal/db"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/storage"
)

const defaultHistoryLimit = 20

func newHistoryCommand(g *globalOptions) *cobra.Command {
	var (
		limit       int
		useDatabase bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past batches, newest first",
		Long: `List the batches saved in the output directory, newest first. With
--database the PostgreSQL history index is queried instead.`,
		Example: `  batchscan history
  batchscan history --limit 5
  batchscan history --database`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !useDatabase {
				store, logger, err := g.openStore()
				if err != nil {
					return err
				}
				defer func() { _ = logger.Close() }()

				batches, err := store.ListBatches(limit)
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), batches)
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errors.NewConfigFieldError(errors.CodeConfiguration,
					"history database is not enabled", "history.enabled", false)
			}

			logger := newLogger(cfg)
			defer func() { _ = logger.Close() }()

			database, err := db.ConnectAndMigrate(cmd.Context(), &cfg.History.Database)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			rows, err := db.NewBatchRepository(database, logger).ListBatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printIndexedHistory(cmd.OutOrStdout(), rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "maximum number of batches to show, 0 for all")
	cmd.Flags().BoolVar(&useDatabase, "database", false, "query the PostgreSQL history index")
	return cmd
}

func printHistory(w io.Writer, batches []storage.BatchSummary) error {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No batches found.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Batch ID", "Started", "Duration", "Targets", "Succeeded", "Failed", "Open Ports", "High Risk")
	for _, b := range batches {
		if err := table.Append([]string{
			b.ID,
			b.StartTime.Local().Format(timeLayout),
			b.EndTime.Sub(b.StartTime).Round(time.Second).String(),
			strconv.Itoa(b.TotalTargets),
			strconv.Itoa(b.Succeeded),
			strconv.Itoa(b.Failed),
			strconv.Itoa(b.OpenPorts),
			strconv.Itoa(b.HighRisk),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func printIndexedHistory(w io.Writer, rows []db.BatchRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No batches found.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Batch ID", "Started", "Duration", "Targets", "Succeeded", "Failed", "Open Ports", "High Risk")
	for _, r := range rows {
		if err := table.Append([]string{
			r.ID.String(),
			r.StartedAt.Local().Format(timeLayout),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String(),
			strconv.Itoa(r.TotalTargets),
			strconv.Itoa(r.Succeeded),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.OpenPorts),
			strconv.Itoa(r.HighRisk),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
