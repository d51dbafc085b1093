package datastore

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

func discardLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry(discardLogger(), 0)
	require.NoError(t, r.Load(""))
	return r
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), &gorm.Config{
		Logger: logger.NewGormAdapter(discardLogger(), 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestStore(t *testing.T) (*Store, *schema.Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	store := NewStore(newTestDB(t), discardLogger())
	require.NoError(t, store.EnsureTables(context.Background(), registry))
	return store, registry
}

func dealRow(id, name string, createdAt int64) Statement {
	return Statement{
		Table: "deals",
		Key:   "id",
		Values: map[string]any{
			"id":         id,
			"name":       name,
			"created_at": createdAt,
		},
	}
}
