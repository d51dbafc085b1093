// Package app assembles crmsync components from loaded settings.
package app

import (
	"context"
	"strings"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/consistency"
	"github.com/buildpulse/crmsync/internal/convert"
	"github.com/buildpulse/crmsync/internal/crm"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/migration"
	"github.com/buildpulse/crmsync/internal/observability"
	"github.com/buildpulse/crmsync/internal/progress"
	"github.com/buildpulse/crmsync/internal/schema"
	"github.com/buildpulse/crmsync/internal/telemetry"
	"github.com/buildpulse/crmsync/internal/validate"
)

// App holds the wired migration engine
type App struct {
	Settings     *conf.Settings
	Version      string
	Log          logger.Logger
	Registry     *schema.Registry
	Store        *datastore.Store
	Jobs         *datastore.JobStore
	Source       migration.Source
	Mapper       *mapper.Mapper
	Metrics      *observability.Metrics
	Tracker      *progress.Tracker
	Validator    *consistency.Validator
	Orchestrator *migration.Orchestrator

	central *logger.CentralLogger
	closers []func() error
}

// Option adjusts how an App is assembled
type Option func(*options)

type options struct {
	log    logger.Logger
	source migration.Source
}

// WithLogger uses log instead of a central logger built from the logging settings
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSource replaces the configured record source
func WithSource(src migration.Source) Option {
	return func(o *options) { o.source = src }
}

// New opens the target store, loads the schema, creates missing target tables and
// wires the orchestrator. The returned App must be closed.
func New(ctx context.Context, settings *conf.Settings, version string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: settings, Version: version}
	if err := a.wire(ctx, &o); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o *options) (err error) {
	settings := a.Settings

	if o.log != nil {
		a.Log = o.log
	} else {
		if settings.Debug {
			settings.Logging.DefaultLevel = "debug"
		}
		central, lerr := logger.NewCentralLogger(&settings.Logging)
		if lerr != nil {
			return errors.New(lerr).
				Category(errors.CategoryConfiguration).
				Context("operation", "create_logger").
				Build()
		}
		a.central = central
		a.Log = central.Module("crmsync")
	}

	if err := telemetry.Init(&settings.Telemetry, a.Version, a.Log); err != nil {
		a.Log.Warn("error reporting disabled", logger.Error(err))
	} else if settings.Telemetry.Enabled {
		a.closers = append(a.closers, func() error { telemetry.Close(); return nil })
	}

	a.Registry = schema.NewRegistry(a.Log, settings.Schema.History)
	if err := a.Registry.Load(settings.Schema.Path); err != nil {
		return err
	}

	if a.Store, err = datastore.Open(&settings.Database, a.Log); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Store.Close)

	if err := a.Store.EnsureTables(ctx, a.Registry); err != nil {
		return err
	}
	a.Jobs = datastore.NewJobStore(a.Store.DB())
	if err := a.Jobs.Migrate(ctx); err != nil {
		return err
	}

	a.Source = o.source
	if a.Source == nil {
		if a.Source, err = a.openSource(); err != nil {
			return err
		}
	}

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "create_metrics").
			Build()
	}

	a.Mapper = mapper.New(a.Registry, convert.NewEngine(nil), validate.NewEngine(), a.Log)
	a.Tracker = progress.NewTracker(a.Log, progress.WithRecorder(a.Metrics.Migration))
	a.Validator = consistency.New(&consistency.Config{
		Registry:   a.Registry,
		Source:     a.Source,
		Target:     a.Store,
		Mapper:     a.Mapper,
		Recorder:   a.Metrics.Migration,
		SampleSize: settings.Migration.SampleSize,
		Log:        a.Log,
	})
	a.Orchestrator = migration.New(&migration.Config{
		Registry:  a.Registry,
		Mapper:    a.Mapper,
		Source:    a.Source,
		Target:    a.Store,
		Jobs:      a.Jobs,
		Tracker:   a.Tracker,
		Validator: a.Validator,
		Metrics:   a.Metrics.Migration,
		Settings:  settings.Migration,
		Log:       a.Log.Module("migration"),
	})

	restored, err := a.Orchestrator.Restore(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		a.Log.Info("interrupted jobs restored as paused", logger.Int("count", restored))
	}

	a.Log.Info("crmsync ready",
		logger.String("version", a.Version),
		logger.String("schema_version", a.Registry.Version()),
		logger.String("source", settings.Source.Type),
		logger.String("target", settings.Database.Type))
	return nil
}

func (a *App) openSource() (migration.Source, error) {
	switch strings.ToLower(a.Settings.Source.Type) {
	case "http", "":
		return crm.NewSource(&a.Settings.Source.HTTP, a.Registry, a.Log)
	case "sql":
		legacy, err := datastore.OpenLegacySource(&a.Settings.Source.Legacy, a.Registry, a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, legacy.Close)
		return legacy, nil
	default:
		return nil, errors.Newf("unsupported source type %q", a.Settings.Source.Type).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// EnsureTables creates target tables for a freshly reloaded schema
func (a *App) EnsureTables(ctx context.Context, registry *schema.Registry) error {
	return a.Store.EnsureTables(ctx, registry)
}

// StartProgressPublisher forwards every progress snapshot to MQTT until ctx is done.
// It does nothing when MQTT is disabled.
func (a *App) StartProgressPublisher(ctx context.Context) error {
	if !a.Settings.MQTT.Enabled {
		return nil
	}

	publisher := progress.NewMQTTPublisher(&a.Settings.MQTT, a.Log)
	if err := publisher.Connect(ctx); err != nil {
		return err
	}

	updates, unsubscribe := a.Tracker.Subscribe("", 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		publisher.Run(ctx, updates)
	}()

	a.closers = append(a.closers, func() error {
		unsubscribe()
		<-done
		publisher.Close()
		return nil
	})
	return nil
}

// Close shuts the orchestrator down, leaving running jobs paused, then releases
// every resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	if a.central != nil {
		_ = a.central.Flush()
		if err := a.central.Close(); err != nil {
			errs = append(errs, err)
		}
		a.central = nil
	}
	return errors.Join(errs...)
}
