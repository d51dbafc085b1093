package datastore

import (
	"context"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

// LegacyTablePrefix prefixes the export tables of the legacy CRM database
const LegacyTablePrefix = "crm_"

// LegacySource reads raw CRM records from export tables whose columns are named by
// the external field keys. It is an alternative to the HTTP source for bulk backfills.
type LegacySource struct {
	db       *gorm.DB
	registry *schema.Registry
	log      logger.Logger
}

// OpenLegacySource connects to the legacy export database
func OpenLegacySource(settings *conf.LegacySourceSettings, registry *schema.Registry, log logger.Logger) (*LegacySource, error) {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	gormCfg := &gorm.Config{Logger: logger.NewGormAdapter(log.Module("legacy"), 0)}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(settings.Driver) {
	case "mysql":
		db, err = gorm.Open(mysql.Open(settings.DSN), gormCfg)
	default:
		db, err = OpenSQLite(settings.DSN, gormCfg)
	}
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySource).
			Context("operation", "open_legacy_source").
			Build()
	}
	return NewLegacySource(db, registry, log), nil
}

// NewLegacySource wraps an open legacy database
func NewLegacySource(db *gorm.DB, registry *schema.Registry, log logger.Logger) *LegacySource {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &LegacySource{db: db, registry: registry, log: log.Module("legacy")}
}

// LegacyTable returns the export table of an object type
func LegacyTable(sc *schema.Schema) string {
	return LegacyTablePrefix + sc.Table
}

// Count returns the number of exported records of objectType
func (l *LegacySource) Count(ctx context.Context, objectType string) (int64, error) {
	sc, err := l.registry.Get(objectType)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := l.db.WithContext(ctx).Table(LegacyTable(sc)).Count(&n).Error; err != nil {
		return 0, l.sourceError(err, objectType, "count")
	}
	return n, nil
}

// FetchPage returns records ordered by the stable creation timestamp, with the
// primary key as tie breaker so pages never overlap.
func (l *LegacySource) FetchPage(ctx context.Context, objectType string, offset, limit int) ([]map[string]any, error) {
	sc, err := l.registry.Get(objectType)
	if err != nil {
		return nil, err
	}

	q := l.db.WithContext(ctx).Table(LegacyTable(sc))
	if sc.OrderBy != "" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: sc.OrderBy}})
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: sc.PrimaryKey().Keys.External}})

	var rows []map[string]any
	if err := q.Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, l.sourceError(err, objectType, "fetch_page")
	}

	l.log.Trace("legacy page fetched",
		logger.ObjectType(objectType),
		logger.Int("offset", offset),
		logger.Int("rows", len(rows)))
	return rows, nil
}

func (l *LegacySource) sourceError(err error, objectType, operation string) error {
	return errors.New(err).
		Category(errors.CategorySource).
		Context("object_type", objectType).
		Context("operation", operation).
		Build()
}

// Close closes the legacy connection pool
func (l *LegacySource) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
