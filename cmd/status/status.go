package status

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildpulse/crmsync/internal/app"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/migration"
)

// Command prints the persisted state of migration jobs
func Command(settings *conf.Settings, info *buildinfo.Info) *cobra.Command {
	var (
		history int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status [object type]",
		Short: "Show migration job state",
		Long:  "Show the latest job of every object type, or the job history of one type with --history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), settings, info, args, history, asJSON)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "Number of past jobs to list for the object type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print jobs as JSON")
	return cmd
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, info *buildinfo.Info, args []string, history int, asJSON bool) error {
	a, err := app.New(ctx, settings, info.Version())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.Log.Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	var jobs []*entities.MigrationJob
	switch {
	case len(args) == 1 && history > 0:
		past, err := a.Orchestrator.History(ctx, args[0], history)
		if err != nil {
			return err
		}
		for i := range past {
			jobs = append(jobs, &past[i])
		}
	case len(args) == 1:
		job, err := a.Orchestrator.Status(ctx, args[0])
		if errors.Is(err, migration.ErrNoJob) {
			fmt.Fprintf(w, "%s has never been migrated\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	default:
		if jobs, err = a.Orchestrator.Statuses(ctx); err != nil {
			return err
		}
	}

	if asJSON {
		return app.WriteJSON(w, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no migration jobs recorded")
		return nil
	}
	for _, job := range jobs {
		fmt.Fprintf(w, "%-16s %-22s batch %d/%d, %d/%d records, %d failed, schema %s, started %s\n",
			job.ObjectType, job.Status, job.CurrentBatch, job.TotalBatches,
			job.ProcessedRecords, job.TotalRecords, job.FailureCount,
			job.SchemaVersion, job.StartTime.Format(time.RFC3339))
	}
	return nil
}
