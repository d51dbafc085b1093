// Package telemetry wires opt-in error reporting to Sentry
package telemetry

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

// flushTimeout bounds how long Close waits for queued events
const flushTimeout = 2 * time.Second

var (
	initMu      sync.Mutex
	initialized bool
)

// Option adjusts the sentry client options, used by tests
type Option func(*sentry.ClientOptions)

// WithTransport replaces the sentry transport
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Init initializes Sentry and installs the error reporter when telemetry is enabled.
// It is a no-op when disabled or when no DSN is configured.
func Init(settings *conf.TelemetrySettings, version string, log logger.Logger, opts ...Option) error {
	if !settings.Enabled || settings.DSN == "" {
		log.Debug("telemetry disabled")
		return nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		Release:          fmt.Sprintf("crmsync@%s", version),
		SampleRate:       settings.SampleRate,
		AttachStacktrace: false,
		ServerName:       "",
		BeforeSend:       scrubEvent,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("setting", "telemetry.dsn").
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	initMu.Lock()
	initialized = true
	initMu.Unlock()

	log.Info("telemetry enabled",
		logger.String("environment", settings.Environment),
		logger.Float64("sample_rate", settings.SampleRate))
	return nil
}

// Close flushes queued events and uninstalls the reporter
func Close() {
	initMu.Lock()
	defer initMu.Unlock()
	if !initialized {
		return
	}
	errors.SetTelemetryReporter(nil)
	sentry.Flush(flushTimeout)
	initialized = false
}

// scrubEvent removes host identifying data before an event leaves the process
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
