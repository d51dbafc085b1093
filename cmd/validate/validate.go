package validate

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildpulse/crmsync/internal/app"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/consistency"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

// Command audits migrated object types against the source
func Command(settings *conf.Settings, info *buildinfo.Info) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [object types...]",
		Short: "Check migrated data against the source",
		Long:  "Compare record counts, run the schema's detail checks and re-map a sample of migrated rows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), settings, info, args, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the reports as JSON")
	return cmd
}

func run(ctx context.Context, w io.Writer, settings *conf.Settings, info *buildinfo.Info, objectTypes []string, asJSON bool) error {
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

	order, err := a.Orchestrator.Order(objectTypes)
	if err != nil {
		return err
	}
	summary, err := a.Orchestrator.ValidateAll(ctx, order)
	if err != nil {
		return err
	}

	if asJSON {
		if err := app.WriteJSON(w, summary); err != nil {
			return err
		}
	} else {
		printSummary(w, summary)
	}

	if summary.Status == consistency.StatusFailed || summary.Status == consistency.StatusError {
		return errors.Newf("validation %s", summary.Status).
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func printSummary(w io.Writer, summary *consistency.Summary) {
	for _, report := range summary.Reports {
		fmt.Fprintf(w, "%-16s %-8s source %d, target %d, sample %d/%d valid\n",
			report.ObjectType, report.Status, report.OriginalCount, report.MigratedCount,
			report.SampleValidation.Valid, report.SampleValidation.SampleSize)
		if report.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", report.Error)
		}
		for _, check := range report.Failed() {
			fmt.Fprintf(w, "  %s %s/%s: %d rows %s\n", check.Severity, check.Kind, check.Name, check.Count, check.Message)
		}
		for _, sampleErr := range report.SampleValidation.Errors {
			fmt.Fprintf(w, "  sample: %s\n", sampleErr)
		}
	}
	fmt.Fprintf(w, "overall: %s in %dms\n", summary.Status, summary.DurationMs)
}

