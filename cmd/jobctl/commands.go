package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/queue"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/sweeper"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd.Context(), func(s *session) error {
				jobs, err := s.jobs.ListByStatus(cmd.Context(), models.JobStatus(status), limit)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No %s jobs\n", status)
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Video", "Status", "Progress", "Attempts", "Next Retry", "Updated"},
					buildJobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", string(models.JobStatusFailed), "Job status to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs to show (0 for all)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its error history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd.Context(), func(s *session) error {
				job, err := s.jobs.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withSession(cmd.Context(), func(s *session) error {
				stats, err := s.jobs.Stats(cmd.Context(), cfg.Sweeper.StaleAfter)
				if err != nil {
					return err
				}
				rows := buildStatsRows(stats)
				if s.events != nil {
					rows = append(rows, buildQueueRows(s.events)...)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Metric", "Count"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel jobs that have not finished",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd.Context(), func(s *session) error {
				var errs []error
				for _, id := range args {
					job, err := s.jobs.Cancel(cmd.Context(), id)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (was attempt %d/%d)\n", job.ID, job.AttemptCount, job.MaxAttempts)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>...",
		Short: "Requeue failed jobs whose retry is due",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd.Context(), func(s *session) error {
				var errs []error
				for _, id := range args {
					job, err := s.jobs.RequeueForRetry(cmd.Context(), id)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", job.ID)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the retry, alert and watchdog passes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd.Context(), func(s *session) error {
				report, err := s.sweeper.RunOnce(cmd.Context())
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Sweep", "Processed", "Skipped", "Failed"},
					buildReportRows(report),
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
				))
				return err
			})
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMigrator(cmd.Context(), func(m migrator) error {
				if err := m.MigrateUp(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMigrator(cmd.Context(), func(m migrator) error {
				if err := m.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Schema rolled back")
				return nil
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMigrator(cmd.Context(), func(m migrator) error {
				return printVersion(cmd, m)
			})
		},
	})

	return migrateCmd
}

func printVersion(cmd *cobra.Command, m migrator) error {
	version, dirty, err := m.MigrationVersion(cmd.Context())
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (%s)\n", version, state)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func buildJobRows(jobs []*models.EncodingJob) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		updated := job.UpdatedAt
		rows = append(rows, []string{
			job.ID,
			job.VideoID,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
			formatTime(job.NextRetryAt),
			formatTime(&updated),
		})
	}
	return rows
}

func buildStatsRows(stats *models.JobStats) [][]string {
	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	rows := make([][]string, 0, len(statuses)+5)
	for _, status := range statuses {
		rows = append(rows, []string{status, strconv.FormatInt(stats.ByStatus[models.JobStatus(status)], 10)})
	}
	rows = append(rows,
		[]string{"total", strconv.FormatInt(stats.Total, 10)},
		[]string{"retry pending", strconv.FormatInt(stats.RetryPending, 10)},
		[]string{"exhausted", strconv.FormatInt(stats.Exhausted, 10)},
		[]string{"alert pending", strconv.FormatInt(stats.AlertPending, 10)},
		[]string{"stale", strconv.FormatInt(stats.Stale, 10)},
	)
	return rows
}

func buildQueueRows(events eventQueues) [][]string {
	depth := func(fn func(string) (int, error)) string {
		n, err := fn(queue.AlertQueue)
		if err != nil {
			return "unavailable"
		}
		return strconv.Itoa(n)
	}
	return [][]string{
		{"alert queue", depth(events.QueueDepth)},
		{"alert dead letters", depth(events.DeadLetterDepth)},
	}
}

func buildReportRows(report sweeper.Report) [][]string {
	rows := make([][]string, 0, 3)
	for _, res := range []sweeper.PassResult{report.Retry, report.Alert, report.Watchdog} {
		if res.LockHeld {
			rows = append(rows, []string{res.Sweep, "locked", "-", "-"})
			continue
		}
		rows = append(rows, []string{
			res.Sweep,
			strconv.Itoa(res.Processed),
			strconv.Itoa(res.Skipped),
			strconv.Itoa(res.Failed),
		})
	}
	return rows
}

func printJob(w io.Writer, job *models.EncodingJob) {
	fmt.Fprintf(w, "ID:         %s\n", job.ID)
	fmt.Fprintf(w, "Video:      %s\n", job.VideoID)
	fmt.Fprintf(w, "Status:     %s\n", job.Status)
	fmt.Fprintf(w, "Progress:   %d%%\n", job.Progress)
	fmt.Fprintf(w, "Attempts:   %d/%d\n", job.AttemptCount, job.MaxAttempts)
	fmt.Fprintf(w, "Input:      %s\n", job.InputFileURL)
	if job.OutputManifestURL != "" {
		fmt.Fprintf(w, "Manifest:   %s\n", job.OutputManifestURL)
	}
	if job.WorkerID != "" {
		fmt.Fprintf(w, "Worker:     %s\n", job.WorkerID)
	}
	if job.NextRetryAt != nil {
		fmt.Fprintf(w, "Next retry: %s\n", formatTime(job.NextRetryAt))
	}
	if job.Exhausted() {
		fmt.Fprintf(w, "Alert sent: %t\n", job.AlertSent)
	}
	created := job.CreatedAt
	fmt.Fprintf(w, "Created:    %s\n", formatTime(&created))

	if len(job.ErrorHistory) == 0 {
		return
	}
	rows := make([][]string, 0, len(job.ErrorHistory))
	for _, entry := range job.ErrorHistory {
		ts := entry.Timestamp
		rows = append(rows, []string{strconv.Itoa(entry.Attempt), formatTime(&ts), entry.Code, entry.Message})
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, renderTable(
		[]string{"Attempt", "At", "Code", "Message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
	))
}
