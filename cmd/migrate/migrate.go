package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildpulse/crmsync/internal/app"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/migration"
)

const closeTimeout = 30 * time.Second

// Options are the flags of the migrate command
type Options struct {
	DryRun         bool
	StartBatch     int
	SkipValidation bool
	StopOnError    bool
	BatchSize      int
	JSON           bool
}

// Command migrates object types in the foreground
func Command(settings *conf.Settings, info *buildinfo.Info) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "migrate [object types...]",
		Short: "Migrate object types in dependency order",
		Long: "Migrate the named object types, or every type of the schema, one after another in " +
			"dependency order. Interrupting leaves the running job paused for a later resume.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), settings, info, args, opts, cmd.Flags().Changed("start-batch"))
		},
	}

	if err := setupFlags(cmd, &opts); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, opts *Options) error {
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Map records without writing them or persisting the job")
	cmd.Flags().IntVar(&opts.StartBatch, "start-batch", 0, "Zero-based batch to start from, single object type only")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "Skip the consistency check after completion")
	cmd.Flags().BoolVar(&opts.StopOnError, "stop-on-error", false, "Abort remaining types when one fails or pauses")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Override the batch size of the selected types")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the result as JSON")
	cmd.Flags().Duration("batch-delay", 0, "Pause between batches")

	if err := viper.BindPFlag("migration.batchdelay", cmd.Flags().Lookup("batch-delay")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, info *buildinfo.Info, objectTypes []string, opts Options, fromBatch bool) error {
	if fromBatch && len(objectTypes) != 1 {
		return errors.Newf("--start-batch needs exactly one object type").
			Category(errors.CategoryValidation).
			Build()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, settings, info.Version())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.Log.Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	order, err := a.Orchestrator.Order(objectTypes)
	if err != nil {
		return err
	}
	if opts.BatchSize > 0 {
		for _, objectType := range order {
			if err := a.Orchestrator.SetBatchSize(objectType, opts.BatchSize); err != nil {
				return err
			}
		}
	}

	if fromBatch {
		return runOne(ctx, w, a, order[0], opts)
	}

	result, err := a.Orchestrator.MigrateAll(ctx, migration.AllOptions{
		ObjectTypes:    order,
		StopOnError:    opts.StopOnError,
		SkipValidation: opts.SkipValidation,
		DryRun:         opts.DryRun,
	})
	if err != nil {
		return err
	}

	if opts.JSON {
		if err := app.WriteJSON(w, result); err != nil {
			return err
		}
	} else {
		printResult(w, result)
	}
	return outcomeError(result)
}

// runOne starts a single type at an explicit batch and waits for its loop
func runOne(ctx context.Context, w io.Writer, a *app.App, objectType string, opts Options) error {
	plan, err := a.Orchestrator.Start(ctx, objectType, migration.StartOptions{
		StartBatch:     opts.StartBatch,
		SkipValidation: opts.SkipValidation,
		DryRun:         opts.DryRun,
	})
	if err != nil {
		return err
	}
	if !opts.JSON {
		fmt.Fprintf(w, "%s: %d records in %d batches of %d, starting at batch %d\n",
			objectType, plan.TotalRecords, plan.TotalBatches, plan.BatchSize, plan.StartBatch)
	}

	if err := a.Orchestrator.Wait(ctx, objectType); err != nil {
		return err
	}
	job, err := a.Orchestrator.Job(ctx, objectType, plan.JobID)
	if err != nil {
		return err
	}

	if opts.JSON {
		if err := app.WriteJSON(w, job); err != nil {
			return err
		}
	} else {
		printJob(w, job)
	}
	if !job.Status.IsTerminal() || job.Status == entities.JobStatusFailed {
		return errors.Newf("%s stopped with status %s", objectType, job.Status).
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

func printJob(w io.Writer, job *entities.MigrationJob) {
	fmt.Fprintf(w, "%-16s %-22s %d/%d records, %d failed (%.1f%%)\n",
		job.ObjectType, job.Status, job.ProcessedRecords, job.TotalRecords,
		job.FailureCount, job.FailureRate()*100)
	if job.LastError != "" {
		fmt.Fprintf(w, "%-16s last error: %s\n", "", job.LastError)
	}
}

func printResult(w io.Writer, result *migration.AllResult) {
	for _, outcome := range result.Outcomes {
		status := string(outcome.Status)
		if outcome.Skipped {
			status = "skipped"
		}
		fmt.Fprintf(w, "%-16s %-22s %s\n", outcome.ObjectType, status, outcome.Error)
	}
	if result.Aborted {
		fmt.Fprintln(w, "migration aborted")
	}
}

// outcomeError fails the command when any type did not complete
func outcomeError(result *migration.AllResult) error {
	for _, outcome := range result.Outcomes {
		if outcome.Skipped {
			continue
		}
		if outcome.Status != entities.JobStatusCompleted && outcome.Status != entities.JobStatusCompletedWithErrors {
			return errors.Newf("%s stopped with status %s", outcome.ObjectType, outcome.Status).
				Category(errors.CategoryState).
				Build()
		}
	}
	if result.Aborted {
		return errors.Newf("migration aborted").Category(errors.CategoryState).Build()
	}
	return nil
}
