package schema

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/buildpulse/crmsync/internal/errors"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ConfigurationError lists every problem found in a schema document
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid schema document: %s", strings.Join(e.Violations, "; "))
}

// ErrorCategory marks schema problems as configuration errors
func (e *ConfigurationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryConfiguration
}

// ParseDocument decodes, normalizes and validates a YAML schema document
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConfigurationError{Violations: []string{fmt.Sprintf("decode: %v", err)}}
	}

	normalize(&doc)

	if violations := validateDocument(&doc); len(violations) > 0 {
		return nil, &ConfigurationError{Violations: violations}
	}
	return &doc, nil
}

// normalize fills derived values: object type names and missing representation keys
func normalize(doc *Document) {
	for objectType, s := range doc.Objects {
		if s == nil {
			continue
		}
		s.ObjectType = objectType
		for i := range s.Fields {
			f := &s.Fields[i]
			if f.Keys.External == "" {
				f.Keys.External = f.Name
			}
			if f.Keys.Transport == "" {
				f.Keys.Transport = f.Name
			}
			if f.Keys.Storage == "" {
				f.Keys.Storage = strcase.ToSnake(f.Name)
			}
		}
	}
}

// validateDocument checks a normalized document against the meta-schema
func validateDocument(doc *Document) []string {
	var v []string

	if doc.Version == "" {
		v = append(v, "version is required")
	}
	if len(doc.Objects) == 0 {
		v = append(v, "document declares no object types")
	}

	for _, dup := range lo.FindDuplicates(doc.ObjectOrder) {
		v = append(v, fmt.Sprintf("objectOrder lists %q more than once", dup))
	}
	for _, objectType := range doc.ObjectOrder {
		if _, ok := doc.Objects[objectType]; !ok {
			v = append(v, fmt.Sprintf("objectOrder lists unknown object type %q", objectType))
		}
	}

	objectTypes := lo.Keys(doc.Objects)
	slices.Sort(objectTypes)
	for _, objectType := range objectTypes {
		if !slices.Contains(doc.ObjectOrder, objectType) {
			v = append(v, fmt.Sprintf("object type %q is missing from objectOrder", objectType))
		}
		s := doc.Objects[objectType]
		if s == nil {
			v = append(v, fmt.Sprintf("%s: empty schema", objectType))
			continue
		}
		v = append(v, validateSchema(doc, s)...)
	}

	return v
}

func validateSchema(doc *Document, s *Schema) []string {
	var v []string
	prefix := s.ObjectType

	if !identifierPattern.MatchString(s.Table) {
		v = append(v, fmt.Sprintf("%s: table %q is not a valid identifier", prefix, s.Table))
	}
	if s.BatchSize < 0 {
		v = append(v, fmt.Sprintf("%s: batchSize must not be negative", prefix))
	}
	if len(s.Fields) == 0 {
		v = append(v, fmt.Sprintf("%s: no fields declared", prefix))
		return v
	}

	pks := lo.CountBy(s.Fields, func(f FieldSpec) bool { return f.PrimaryKey })
	if pks != 1 {
		v = append(v, fmt.Sprintf("%s: expected exactly one primary key, found %d", prefix, pks))
	}

	for _, r := range []Representation{External, Transport, Storage} {
		keys := lo.Map(s.Fields, func(f FieldSpec, _ int) string { return f.Key(r) })
		for _, dup := range lo.FindDuplicates(keys) {
			v = append(v, fmt.Sprintf("%s: duplicate %s key %q", prefix, r, dup))
		}
	}
	for _, dup := range lo.FindDuplicates(lo.Map(s.Fields, func(f FieldSpec, _ int) string { return f.Name })) {
		v = append(v, fmt.Sprintf("%s: duplicate field name %q", prefix, dup))
	}

	if s.OrderBy != "" {
		if _, ok := s.FieldByKey(External, s.OrderBy); !ok {
			v = append(v, fmt.Sprintf("%s: orderBy %q is not an external field key", prefix, s.OrderBy))
		}
	}

	for i := range s.Fields {
		v = append(v, validateField(doc, s, &s.Fields[i])...)
	}

	for _, c := range s.Checks {
		v = append(v, validateCheck(s, c)...)
	}

	return v
}

func validateField(doc *Document, s *Schema, f *FieldSpec) []string {
	var v []string
	prefix := fmt.Sprintf("%s.%s", s.ObjectType, f.Name)

	if f.Name == "" {
		v = append(v, fmt.Sprintf("%s: field without a name", s.ObjectType))
	}
	if !f.Type.Valid() {
		v = append(v, fmt.Sprintf("%s: unknown type %q", prefix, f.Type))
	}
	if !identifierPattern.MatchString(f.Keys.Storage) {
		v = append(v, fmt.Sprintf("%s: storage key %q is not a valid identifier", prefix, f.Keys.Storage))
	}
	if f.Keys.Storage == ColumnSyncedAt || f.Keys.Storage == ColumnRawPayload {
		v = append(v, fmt.Sprintf("%s: storage key %q is reserved", prefix, f.Keys.Storage))
	}
	if f.Required && !f.HasDefault() && len(f.Rules) == 0 {
		v = append(v, fmt.Sprintf("%s: required field without a default needs a validation rule", prefix))
	}
	if f.Enum != nil && len(f.Enum) == 0 {
		v = append(v, fmt.Sprintf("%s: enum must not be empty", prefix))
	}
	if f.MaxLength != nil && *f.MaxLength <= 0 {
		v = append(v, fmt.Sprintf("%s: maxLength must be positive", prefix))
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		v = append(v, fmt.Sprintf("%s: min is greater than max", prefix))
	}
	if f.PrimaryKey && f.LocalOnly {
		v = append(v, fmt.Sprintf("%s: primary key cannot be localOnly", prefix))
	}
	for _, r := range f.Rules {
		if r.Name == "" {
			v = append(v, fmt.Sprintf("%s: rule without a name", prefix))
		}
	}

	if f.References != nil {
		target := f.References.ObjectType
		switch {
		case doc.Objects[target] == nil:
			v = append(v, fmt.Sprintf("%s: references unknown object type %q", prefix, target))
		case target == s.ObjectType:
			v = append(v, fmt.Sprintf("%s: self references are not supported", prefix))
		case slices.Index(doc.ObjectOrder, target) > slices.Index(doc.ObjectOrder, s.ObjectType):
			v = append(v, fmt.Sprintf("%s: references %q which is migrated later", prefix, target))
		}
	}

	return v
}

func validateCheck(s *Schema, c Check) []string {
	var v []string
	prefix := fmt.Sprintf("%s check %s", s.ObjectType, c.Name)

	wantFields := map[string]int{CheckChronological: 2, CheckRatioAbove: 2}
	switch c.Name {
	case CheckChronological, CheckRatioAbove:
		if len(c.Fields) != wantFields[c.Name] {
			v = append(v, fmt.Sprintf("%s: expects %d fields", prefix, wantFields[c.Name]))
		}
		if c.Name == CheckRatioAbove && c.Factor <= 0 {
			v = append(v, fmt.Sprintf("%s: factor must be positive", prefix))
		}
	case CheckNonNegative:
		if len(c.Fields) == 0 {
			v = append(v, fmt.Sprintf("%s: expects at least one field", prefix))
		}
	default:
		v = append(v, fmt.Sprintf("%s: unknown check %q", s.ObjectType, c.Name))
	}

	if c.Severity != "" && c.Severity != "error" && c.Severity != "warning" {
		v = append(v, fmt.Sprintf("%s: severity %q must be error or warning", prefix, c.Severity))
	}

	for _, col := range c.Fields {
		if _, ok := s.FieldByKey(Storage, col); !ok {
			v = append(v, fmt.Sprintf("%s: unknown storage field %q", prefix, col))
		}
	}
	return v
}
