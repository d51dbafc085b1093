package datastore

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/buildpulse/crmsync/internal/schema"
)

// Set-based read queries used by the consistency validator. Identifiers come from a
// validated schema and are quoted through gorm clause expressions.

func (s *Store) scalar(ctx context.Context, operation, table, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, s.dbError(err, operation, table)
	}
	return n, nil
}

// NullCount counts rows where column is NULL. blankIsNull also counts empty strings.
func (s *Store) NullCount(ctx context.Context, table, column string, blankIsNull bool) (int64, error) {
	t, c := clause.Table{Name: table}, clause.Column{Name: column}
	if blankIsNull {
		return s.scalar(ctx, "null_count", table,
			"SELECT COUNT(*) FROM ? WHERE ? IS NULL OR TRIM(?) = ''", t, c, c)
	}
	return s.scalar(ctx, "null_count", table, "SELECT COUNT(*) FROM ? WHERE ? IS NULL", t, c)
}

// DuplicateCount counts values of column that occur on more than one row
func (s *Store) DuplicateCount(ctx context.Context, table, column string) (int64, error) {
	t, c := clause.Table{Name: table}, clause.Column{Name: column}
	return s.scalar(ctx, "duplicate_count", table,
		"SELECT COUNT(*) FROM (SELECT ? FROM ? WHERE ? IS NOT NULL GROUP BY ? HAVING COUNT(*) > 1) dup",
		c, t, c, c)
}

// storageClasses lists the SQLite storage classes acceptable for each field type
var storageClasses = map[schema.FieldType][]string{
	schema.TypeInteger:   {"integer"},
	schema.TypeTimestamp: {"integer"},
	schema.TypeBoolean:   {"integer"},
	schema.TypeReal:      {"real", "integer"},
	schema.TypeDate:      {"text"},
	schema.TypeString:    {"text"},
	schema.TypeText:      {"text"},
	schema.TypeArray:     {"text"},
	schema.TypeJSON:      {"text"},
}

// TypeMismatchCount counts non-null values whose stored type does not match fieldType.
// supported is false on MySQL, where the column type already enforces compatibility.
func (s *Store) TypeMismatchCount(ctx context.Context, table, column string, fieldType schema.FieldType) (n int64, supported bool, err error) {
	classes, ok := storageClasses[fieldType]
	if !ok || s.dialect != DialectSQLite {
		return 0, false, nil
	}
	t, c := clause.Table{Name: table}, clause.Column{Name: column}
	n, err = s.scalar(ctx, "type_mismatch_count", table,
		"SELECT COUNT(*) FROM ? WHERE ? IS NOT NULL AND typeof(?) NOT IN ?", t, c, c, classes)
	return n, true, err
}

// OrphanCount counts rows whose column does not match any refColumn value in refTable
func (s *Store) OrphanCount(ctx context.Context, table, column, refTable, refColumn string) (int64, error) {
	child := clause.Column{Table: "child", Name: column}
	parent := clause.Column{Table: "parent", Name: refColumn}
	return s.scalar(ctx, "orphan_count", table,
		"SELECT COUNT(*) FROM ? child LEFT JOIN ? parent ON ? = ? WHERE ? IS NOT NULL AND ? IS NULL",
		clause.Table{Name: table}, clause.Table{Name: refTable}, child, parent, child, parent)
}

// OutOfOrderCount counts rows where both columns are set and first is later than second
func (s *Store) OutOfOrderCount(ctx context.Context, table, first, second string) (int64, error) {
	a, b := clause.Column{Name: first}, clause.Column{Name: second}
	return s.scalar(ctx, "out_of_order_count", table,
		"SELECT COUNT(*) FROM ? WHERE ? IS NOT NULL AND ? IS NOT NULL AND ? > ?",
		clause.Table{Name: table}, a, b, a, b)
}

// NegativeCount counts rows where column is below zero
func (s *Store) NegativeCount(ctx context.Context, table, column string) (int64, error) {
	c := clause.Column{Name: column}
	return s.scalar(ctx, "negative_count", table,
		"SELECT COUNT(*) FROM ? WHERE ? < 0", clause.Table{Name: table}, c)
}

// RatioAboveCount counts rows where actual exceeds factor times a positive base
func (s *Store) RatioAboveCount(ctx context.Context, table, actual, base string, factor float64) (int64, error) {
	a, b := clause.Column{Name: actual}, clause.Column{Name: base}
	return s.scalar(ctx, "ratio_above_count", table,
		"SELECT COUNT(*) FROM ? WHERE ? > 0 AND ? > ? * ?",
		clause.Table{Name: table}, b, a, b, factor)
}

// SampleRows returns up to limit rows ordered by orderBy
func (s *Store) SampleRows(ctx context.Context, table, orderBy string, limit int) ([]map[string]any, error) {
	var rows []map[string]any
	q := s.db.WithContext(ctx).Table(table).Limit(limit)
	if orderBy != "" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: orderBy}})
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, s.dbError(err, "sample_rows", table)
	}
	return rows, nil
}
