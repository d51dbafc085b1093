package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/crm"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Database: conf.DatabaseSettings{
			Type:   "sqlite",
			SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "target.db")},
		},
		Source: conf.SourceSettings{
			Type: "http",
			HTTP: conf.HTTPSourceSettings{
				BaseURL:   "http://crm.test/api",
				TotalPath: "total",
				DataPath:  "data",
			},
		},
		Schema:    conf.SchemaSettings{History: 2},
		Migration: conf.MigrationSettings{BatchSize: 50, FailureThreshold: 0.1},
	}
}

func quietLog() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func TestNewWiresHTTPSource(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testSettings(t), "test", WithLogger(quietLog()))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close(ctx)) })

	assert.IsType(t, &crm.Source{}, a.Source)
	assert.NotEmpty(t, a.Registry.Version())
	assert.NotNil(t, a.Orchestrator)

	for _, objectType := range a.Registry.ObjectTypes() {
		sc, err := a.Registry.Get(objectType)
		require.NoError(t, err)
		n, err := a.Store.Count(ctx, sc.Table)
		require.NoError(t, err, "table for %s should exist", objectType)
		assert.Zero(t, n)
	}

	history, err := a.Orchestrator.History(ctx, a.Registry.ObjectTypes()[0], 5)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewWiresLegacySource(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t)
	settings.Source.Type = "sql"
	settings.Source.Legacy = conf.LegacySourceSettings{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "legacy.db"),
	}

	a, err := New(ctx, settings, "test", WithLogger(quietLog()))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close(ctx)) })

	assert.IsType(t, &datastore.LegacySource{}, a.Source)
}

func TestNewRejectsUnknownSource(t *testing.T) {
	settings := testSettings(t)
	settings.Source.Type = "ftp"

	_, err := New(context.Background(), settings, "test", WithLogger(quietLog()))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewFailsOnMissingSchemaFile(t *testing.T) {
	settings := testSettings(t)
	settings.Schema.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), settings, "test", WithLogger(quietLog()))
	require.Error(t, err)
}

func TestProgressPublisherDisabled(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testSettings(t), "test", WithLogger(quietLog()))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close(ctx)) })

	require.NoError(t, a.StartProgressPublisher(ctx))
	assert.Len(t, a.closers, 1, "only the store closer is registered")
}
