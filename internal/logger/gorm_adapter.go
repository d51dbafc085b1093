package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormAdapter routes GORM's log output through a module Logger.
// Statements are logged at TRACE so upsert batches only show up when the
// datastore module is configured with module_levels.datastore: trace.
type GormAdapter struct {
	log           Logger
	slowThreshold time.Duration
}

// NewGormAdapter returns a GORM logger. A zero slowThreshold disables slow statement warnings.
func NewGormAdapter(log Logger, slowThreshold time.Duration) *GormAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &GormAdapter{log: log, slowThreshold: slowThreshold}
}

// LogMode is a no-op; verbosity comes from the module level.
func (a *GormAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return a
}

func (a *GormAdapter) Info(_ context.Context, msg string, data ...any) {
	a.log.Debug(fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Warn(_ context.Context, msg string, data ...any) {
	a.log.Warn(fmt.Sprintf(msg, data...))
}

func (a *GormAdapter) Error(_ context.Context, msg string, data ...any) {
	a.log.Error(fmt.Sprintf(msg, data...))
}

// Trace logs one executed statement. Failed statements and slow ones are
// raised to WARN; a missing row is not treated as a failure.
func (a *GormAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	log := a.log.WithContext(ctx)

	fields := []Field{
		String("sql", sql),
		Int64("rows_affected", rows),
		Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		log.Warn("statement failed", append(fields, Error(err))...)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		log.Warn("slow statement", append(fields, Duration("threshold", a.slowThreshold))...)
	default:
		log.Trace("statement", fields...)
	}
}
