// Package mapper transforms records between the external, transport and storage
// representations under the active schema.
package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/buildpulse/crmsync/internal/convert"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
	"github.com/buildpulse/crmsync/internal/validate"
)

// Metadata describes how a result was produced
type Metadata struct {
	ObjectType    string    `json:"objectType"`
	FieldsMapped  int       `json:"fieldsMapped"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schemaVersion"`
}

// Result is a transformed record. It is not modified after Map returns.
type Result struct {
	Data     map[string]any `json:"data"`
	Warnings []string       `json:"warnings,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// Mapper combines the schema registry with the conversion and validation engines
type Mapper struct {
	registry  *schema.Registry
	converter *convert.Engine
	validator *validate.Engine
	log       logger.Logger
	now       func() time.Time
}

// Option configures a Mapper
type Option func(*Mapper)

// WithClock overrides the clock used for sync timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

// New creates a mapper over the given registry
func New(registry *schema.Registry, converter *convert.Engine, validator *validate.Engine, log logger.Logger, opts ...Option) *Mapper {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	m := &Mapper{
		registry:  registry,
		converter: converter,
		validator: validator,
		log:       log.Module("mapper"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// applies reports whether a field takes part in the from -> to direction
func applies(f *schema.FieldSpec, from, to schema.Representation) bool {
	if f.LocalOnly && (from == schema.External || to == schema.External) {
		return false
	}
	if f.Readonly && to == schema.External {
		return false
	}
	return true
}

// Map transforms record from one representation to another. CRM-origin input is
// mapped leniently: invalid values become warnings and fall back to the field default.
// Any other direction is strict. A hard failure rejects the whole record.
func (m *Mapper) Map(objectType string, record map[string]any, from, to schema.Representation) (*Result, error) {
	if !from.Valid() || !to.Valid() {
		return nil, errors.Newf("invalid mapping direction %s -> %s", from, to).
			Category(errors.CategoryValidation).
			Build()
	}

	s, err := m.registry.Get(objectType)
	if err != nil {
		return nil, err
	}

	lenient := from == schema.External
	data := make(map[string]any, len(s.Fields)+2)
	var warnings []string
	var failures []FieldError
	mapped := 0

	for i := range s.Fields {
		f := &s.Fields[i]
		if !applies(f, from, to) {
			continue
		}

		raw, present := record[f.Key(from)]
		if !present || raw == nil {
			if !f.HasDefault() && f.Required {
				failures = append(failures, FieldError{Field: f.Name, Reason: "missing required field"})
				continue
			}
		}

		value, convWarnings := m.converter.Convert(f, raw, from, to)
		warnings = append(warnings, convWarnings...)

		if raw != nil && value == nil && len(convWarnings) > 0 {
			if !lenient {
				failures = append(failures, FieldError{Field: f.Name, Reason: strings.Join(convWarnings, "; ")})
				continue
			}
			value = m.fallback(f, from, to)
		}

		res := m.validator.ValidateField(f, value)
		warnings = append(warnings, res.Warnings...)
		if !res.IsValid {
			if !lenient || (f.Required && !f.HasDefault()) {
				failures = append(failures, FieldError{Field: f.Name, Reason: strings.Join(res.Errors, "; ")})
				continue
			}
			warnings = append(warnings, res.Errors...)
			if f.HasDefault() {
				value = m.fallback(f, from, to)
			}
		}

		if value == nil && f.Required {
			failures = append(failures, FieldError{Field: f.Name, Reason: "required field has no usable value"})
			continue
		}

		data[f.Key(to)] = value
		mapped++
	}

	if len(failures) > 0 {
		return nil, newRecordMappingError(objectType, recordID(s, record, from), failures)
	}

	now := m.now()
	if from == schema.External && to == schema.Storage {
		payload, err := json.Marshal(record)
		if err != nil {
			payload = fmt.Appendf(nil, "%q", fmt.Sprint(record))
		}
		data[schema.ColumnSyncedAt] = now.Unix()
		data[schema.ColumnRawPayload] = string(payload)
	}

	if len(warnings) > 0 {
		m.log.Debug("record mapped with warnings",
			logger.ObjectType(objectType),
			logger.String("record_id", recordID(s, record, from)),
			logger.Int("warnings", len(warnings)))
	}

	return &Result{
		Data:     data,
		Warnings: warnings,
		Metadata: Metadata{
			ObjectType:    objectType,
			FieldsMapped:  mapped,
			Timestamp:     now,
			SchemaVersion: m.registry.Version(),
		},
	}, nil
}

// fallback converts the field default, or returns nil when none is declared
func (m *Mapper) fallback(f *schema.FieldSpec, from, to schema.Representation) any {
	if !f.HasDefault() {
		return nil
	}
	value, _ := m.converter.Convert(f, nil, from, to)
	return value
}

func recordID(s *schema.Schema, record map[string]any, from schema.Representation) string {
	pk := s.PrimaryKey()
	if pk == nil {
		return ""
	}
	return cast.ToString(record[pk.Key(from)])
}

// Statement builds the upsert statement for a storage result
func (m *Mapper) Statement(objectType string, result *Result) (datastore.Statement, error) {
	s, err := m.registry.Get(objectType)
	if err != nil {
		return datastore.Statement{}, err
	}
	return datastore.Statement{
		Table:  s.Table,
		Key:    s.PrimaryKey().Keys.Storage,
		Values: result.Data,
	}, nil
}
