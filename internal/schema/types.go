// Package schema holds the declarative per-object-type field schemas that drive record
// conversion, validation and storage layout.
package schema

import (
	"slices"
)

// FieldType is the closed set of value types a field may declare
type FieldType string

const (
	TypeInteger   FieldType = "integer"
	TypeReal      FieldType = "real"
	TypeTimestamp FieldType = "timestamp"
	TypeDate      FieldType = "date"
	TypeBoolean   FieldType = "boolean"
	TypeArray     FieldType = "array"
	TypeJSON      FieldType = "json"
	TypeString    FieldType = "string"
	TypeText      FieldType = "text"
)

// Valid reports whether t is one of the known field types
func (t FieldType) Valid() bool {
	switch t {
	case TypeInteger, TypeReal, TypeTimestamp, TypeDate, TypeBoolean,
		TypeArray, TypeJSON, TypeString, TypeText:
		return true
	default:
		return false
	}
}

// Representation names one of the three record shapes
type Representation string

const (
	// External is the CRM wire shape
	External Representation = "external"
	// Transport is the internal API shape
	Transport Representation = "transport"
	// Storage is the relational row shape
	Storage Representation = "storage"
)

// Valid reports whether r is a known representation
func (r Representation) Valid() bool {
	return r == External || r == Transport || r == Storage
}

// Storage audit columns written on ingestion. Schemas may not declare them.
const (
	ColumnSyncedAt   = "synced_at"
	ColumnRawPayload = "raw_payload"
)

// Keys maps a field to its key in each representation
type Keys struct {
	External  string `yaml:"external,omitempty" json:"external"`
	Transport string `yaml:"transport,omitempty" json:"transport"`
	Storage   string `yaml:"storage,omitempty" json:"storage"`
}

// Rule is an explicit validation rule attached to a field
type Rule struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Reference declares a foreign key to another object type's primary key
type Reference struct {
	ObjectType string `yaml:"objectType" json:"objectType"`
}

// FieldSpec describes one field of an object type
type FieldSpec struct {
	Name       string     `yaml:"name" json:"name"`
	Keys       Keys       `yaml:"keys,omitempty" json:"keys"`
	Type       FieldType  `yaml:"type" json:"type"`
	Required   bool       `yaml:"required,omitempty" json:"required"`
	Default    any        `yaml:"default,omitempty" json:"default,omitempty"`
	MaxLength  *int       `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Min        *float64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64   `yaml:"max,omitempty" json:"max,omitempty"`
	Enum       []string   `yaml:"enum,omitempty" json:"enum,omitempty"`
	Readonly   bool       `yaml:"readonly,omitempty" json:"readonly"`
	LocalOnly  bool       `yaml:"localOnly,omitempty" json:"localOnly"`
	PrimaryKey bool       `yaml:"primaryKey,omitempty" json:"primaryKey"`
	References *Reference `yaml:"references,omitempty" json:"references,omitempty"`
	Rules      []Rule     `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Key returns the field's key in representation r
func (f *FieldSpec) Key(r Representation) string {
	switch r {
	case External:
		return f.Keys.External
	case Transport:
		return f.Keys.Transport
	default:
		return f.Keys.Storage
	}
}

// HasDefault reports whether the field declares a default value
func (f *FieldSpec) HasDefault() bool {
	return f.Default != nil
}

// Check is a declarative domain rule evaluated by the consistency validator
type Check struct {
	Name     string   `yaml:"name" json:"name"` // chronological, nonNegative or ratioAbove
	Fields   []string `yaml:"fields" json:"fields"`
	Factor   float64  `yaml:"factor,omitempty" json:"factor,omitempty"`
	Severity string   `yaml:"severity,omitempty" json:"severity,omitempty"` // error or warning
}

// Known domain check names
const (
	CheckChronological = "chronological"
	CheckNonNegative   = "nonNegative"
	CheckRatioAbove    = "ratioAbove"
)

// Schema is the immutable field layout of one object type
type Schema struct {
	ObjectType string      `yaml:"-" json:"objectType"`
	Table      string      `yaml:"table" json:"table"`
	OrderBy    string      `yaml:"orderBy" json:"orderBy"`
	BatchSize  int         `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`
	Fields     []FieldSpec `yaml:"fields" json:"fields"`
	Checks     []Check     `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// PrimaryKey returns the primary key field. Loaded schemas always have exactly one.
func (s *Schema) PrimaryKey() *FieldSpec {
	for i := range s.Fields {
		if s.Fields[i].PrimaryKey {
			return &s.Fields[i]
		}
	}
	return nil
}

// Field returns the field with the given logical name
func (s *Schema) Field(name string) (*FieldSpec, bool) {
	i := slices.IndexFunc(s.Fields, func(f FieldSpec) bool { return f.Name == name })
	if i < 0 {
		return nil, false
	}
	return &s.Fields[i], true
}

// FieldByKey returns the field whose key in representation r equals key
func (s *Schema) FieldByKey(r Representation, key string) (*FieldSpec, bool) {
	i := slices.IndexFunc(s.Fields, func(f FieldSpec) bool { return f.Key(r) == key })
	if i < 0 {
		return nil, false
	}
	return &s.Fields[i], true
}

// StorageColumns returns the storage keys of all fields in declaration order
func (s *Schema) StorageColumns() []string {
	cols := make([]string, 0, len(s.Fields))
	for i := range s.Fields {
		cols = append(cols, s.Fields[i].Keys.Storage)
	}
	return cols
}

// Document is a versioned set of schemas with a dependency order
type Document struct {
	Version     string             `yaml:"version" json:"version"`
	ObjectOrder []string           `yaml:"objectOrder" json:"objectOrder"`
	Objects     map[string]*Schema `yaml:"objects" json:"objects"`
}
