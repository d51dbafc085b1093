// Package datastore provides the relational target of a migration, the job history
// store and a legacy SQL record source, all on gorm.
package datastore

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

// Dialect identifies the SQL flavour behind a Store
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// Statement is one insert-or-replace of a row keyed by its primary key column
type Statement struct {
	Table  string
	Key    string
	Values map[string]any
}

// Store is the migration target
type Store struct {
	db      *gorm.DB
	dialect Dialect
	log     logger.Logger
}

// Open connects to the configured target database
func Open(settings *conf.DatabaseSettings, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	log = log.Module("datastore")

	gormCfg := &gorm.Config{
		Logger: logger.NewGormAdapter(log.Module("gorm"), settings.SlowThreshold),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(settings.Type) {
	case "mysql":
		db, err = openMySQL(settings.MySQL.DSN(), gormCfg)
	case "sqlite", "":
		db, err = OpenSQLite(settings.SQLite.Path, gormCfg)
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}

	log.Info("target database opened", logger.String("type", settings.Type))
	return NewStore(db, log), nil
}

// OpenSQLite opens a SQLite file with WAL and a busy timeout. ":memory:" opens a private in-memory database.
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{Logger: logger.NewGormAdapter(nil, 0)}
	}

	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryDatabase).
			Context("operation", "open_sqlite").
			Context("path", path).
			Build()
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases shared
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func openMySQL(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryDatabase).
			Context("operation", "open_mysql").
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// NewStore wraps an open gorm connection
func NewStore(db *gorm.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	dialect := DialectSQLite
	if db.Dialector.Name() == "mysql" {
		dialect = DialectMySQL
	}
	return &Store{db: db, dialect: dialect, log: log}
}

// DB returns the underlying gorm connection
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Dialect returns the SQL flavour of the store
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Count returns the number of rows in table
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, s.dbError(err, "count", table)
	}
	return n, nil
}

// ExecuteBatch upserts every statement inside one transaction. Either all rows are
// written or none are.
func (s *Store) ExecuteBatch(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range stmts {
			if err := upsert(tx, &stmts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryBatchWrite).
			Context("table", stmts[0].Table).
			Context("statements", len(stmts)).
			Timing("execute_batch", time.Since(start)).
			Build()
	}

	s.log.Trace("batch written",
		logger.String("table", stmts[0].Table),
		logger.Int("statements", len(stmts)),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

func upsert(tx *gorm.DB, stmt *Statement) error {
	if _, ok := stmt.Values[stmt.Key]; !ok {
		return fmt.Errorf("statement for %s lacks primary key %s", stmt.Table, stmt.Key)
	}

	// gorm writes the generated insert id back into map values, so hand it a copy
	values := maps.Clone(stmt.Values)

	columns := lo.Keys(values)
	slices.Sort(columns)
	updates := lo.Without(columns, stmt.Key)

	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: stmt.Key}}}
	if len(updates) == 0 {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(updates)
	}

	return tx.Table(stmt.Table).Clauses(onConflict).Create(values).Error
}

func (s *Store) dbError(err error, operation, table string) error {
	return errors.New(err).
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("table", table).
		Build()
}

// columnType returns the DDL type of a schema field for the store's dialect
func (s *Store) columnType(f *schema.FieldSpec) string {
	mysqlDialect := s.dialect == DialectMySQL
	switch f.Type {
	case schema.TypeInteger, schema.TypeTimestamp:
		if mysqlDialect {
			return "BIGINT"
		}
		return "INTEGER"
	case schema.TypeReal:
		if mysqlDialect {
			return "DOUBLE"
		}
		return "REAL"
	case schema.TypeBoolean:
		if mysqlDialect {
			return "TINYINT(1)"
		}
		return "INTEGER"
	case schema.TypeDate:
		if mysqlDialect {
			return "VARCHAR(10)"
		}
		return "TEXT"
	case schema.TypeString:
		if mysqlDialect {
			n := 255
			if f.MaxLength != nil && *f.MaxLength > n {
				n = *f.MaxLength
			}
			return fmt.Sprintf("VARCHAR(%d)", n)
		}
		return "TEXT"
	default:
		if mysqlDialect {
			return "LONGTEXT"
		}
		return "TEXT"
	}
}

// EnsureTables creates the target table of every object type and adds columns
// that newer schema versions introduced. Existing columns are never altered or dropped.
func (s *Store) EnsureTables(ctx context.Context, registry *schema.Registry) error {
	db := s.db.WithContext(ctx)
	for _, objectType := range registry.ObjectTypes() {
		sc, err := registry.Get(objectType)
		if err != nil {
			return err
		}

		if !db.Migrator().HasTable(sc.Table) {
			if err := db.Exec(s.createTableSQL(sc)).Error; err != nil {
				return s.dbError(err, "create_table", sc.Table)
			}
			s.log.Info("created target table", logger.ObjectType(objectType), logger.String("table", sc.Table))
			continue
		}

		for _, col := range s.columns(sc) {
			if db.Migrator().HasColumn(sc.Table, col.name) {
				continue
			}
			err := db.Exec("ALTER TABLE ? ADD COLUMN ? "+col.ddl, clause.Table{Name: sc.Table}, clause.Column{Name: col.name}).Error
			if err != nil {
				return s.dbError(err, "add_column", sc.Table)
			}
			s.log.Info("added target column",
				logger.ObjectType(objectType),
				logger.String("table", sc.Table),
				logger.String("column", col.name))
		}
	}
	return nil
}

type columnDef struct {
	name string
	ddl  string
}

func (s *Store) columns(sc *schema.Schema) []columnDef {
	cols := make([]columnDef, 0, len(sc.Fields)+2)
	for i := range sc.Fields {
		f := &sc.Fields[i]
		ddl := s.columnType(f)
		if f.PrimaryKey {
			if s.dialect == DialectMySQL {
				ddl = "VARCHAR(64)"
			}
			ddl += " NOT NULL PRIMARY KEY"
		}
		cols = append(cols, columnDef{name: f.Keys.Storage, ddl: ddl})
	}

	syncedAt, payload := "INTEGER", "TEXT"
	if s.dialect == DialectMySQL {
		syncedAt, payload = "BIGINT", "LONGTEXT"
	}
	return append(cols,
		columnDef{name: schema.ColumnSyncedAt, ddl: syncedAt},
		columnDef{name: schema.ColumnRawPayload, ddl: payload})
}

func (s *Store) createTableSQL(sc *schema.Schema) string {
	defs := lo.Map(s.columns(sc), func(c columnDef, _ int) string {
		return s.quote(c.name) + " " + c.ddl
	})
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.quote(sc.Table), strings.Join(defs, ", "))
}

func (s *Store) quote(identifier string) string {
	var b strings.Builder
	s.db.Dialector.QuoteTo(&b, identifier)
	return b.String()
}
