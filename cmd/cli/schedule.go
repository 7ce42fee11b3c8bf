package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scheduler"
)

const defaultScheduleName = "batch"

func newScheduleCommand(g *globalOptions) *cobra.Command {
	f := &scanFlags{}
	var (
		cronExpr string
		name     string
		runNow   bool
	)

	cmd := &cobra.Command{
		Use:   "schedule --cron <expr> [targets...]",
		Short: "Run a batch on a cron schedule",
		Long: `Run the same batch repeatedly on a standard five-field cron schedule
(descriptors such as @hourly and @every 30m work too). The command stays in
the foreground until interrupted. A run that is still going when the next
one is due is skipped.`,
		Example: `  batchscan schedule --cron "0 2 * * *" -f targets.txt
  batchscan schedule --cron "@every 6h" 10.0.0.0/24 --name lab --run-now`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr == "" {
				return errors.NewScanError(errors.CodeValidation, "a schedule is required: pass --cron")
			}

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
			var mu sync.Mutex
			run := func(ctx context.Context) error {
				result, err := p.run(ctx, targetList, opts, nil)
				if err != nil {
					return err
				}
				batchPath, reports, saveErr := p.save(result)

				mu.Lock()
				defer mu.Unlock()
				if !f.quiet {
					printBatch(out, result, batchPath, reports)
				}
				return saveErr
			}

			sched := scheduler.New(logger)
			id, err := sched.AddBatch(name, cronExpr, run)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if runNow {
				if err := sched.Trigger(id); err != nil {
					return err
				}
			}

			if !f.quiet {
				mu.Lock()
				if err := printJobs(out, sched.Jobs()); err != nil {
					mu.Unlock()
					return err
				}
				fmt.Fprintln(out, "Waiting for scheduled runs, press Ctrl+C to stop.")
				mu.Unlock()
			}

			<-ctx.Done()
			return nil
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. '0 2 * * *' or '@every 6h'")
	cmd.Flags().StringVar(&name, "name", defaultScheduleName, "name shown in logs and the job table")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "also run the batch once right away")
	return cmd
}

func printJobs(w io.Writer, jobs []scheduler.JobInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Schedule", "Next Run", "Last Run", "Runs", "Last Error")
	for _, job := range jobs {
		next, last := "-", "-"
		if !job.NextRun.IsZero() {
			next = job.NextRun.Local().Format(timeLayout)
		}
		if !job.LastRun.IsZero() {
			last = job.LastRun.Local().Format(timeLayout)
		}
		if err := table.Append([]string{
			job.Name,
			job.Spec,
			next,
			last,
			strconv.Itoa(job.Runs),
			job.LastError,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
