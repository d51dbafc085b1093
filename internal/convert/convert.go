// Package convert translates field values between the external, transport and storage
// representations according to the field's declared type.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"golang.org/x/text/unicode/norm"

	"github.com/buildpulse/crmsync/internal/schema"
)

const (
	// DateLayout is the calendar day format used in every representation
	DateLayout = "2006-01-02"

	// epochMillisThreshold separates epoch seconds from epoch milliseconds
	epochMillisThreshold = 1e12
)

// Engine converts values by field type. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	loc *time.Location
}

// NewEngine returns an engine that interprets zone-less timestamps in loc (UTC when nil)
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

// Convert coerces value into representation to. A nil value yields the field default
// converted to the target representation, or nil. Unparseable input yields nil with a
// warning; lossy conversions succeed with a warning. Convert never panics on bad input.
func (e *Engine) Convert(field *schema.FieldSpec, value any, from, to schema.Representation) (any, []string) {
	if isNull(value) {
		if !field.HasDefault() {
			return nil, nil
		}
		value = field.Default
	}

	w := warner{field: field.Name, from: from, to: to}

	var out any
	switch field.Type {
	case schema.TypeInteger:
		out = e.toInteger(value, &w)
	case schema.TypeReal:
		out = e.toReal(value, &w)
	case schema.TypeTimestamp:
		out = e.toTimestamp(value, to, &w)
	case schema.TypeDate:
		out = e.toDate(value, &w)
	case schema.TypeBoolean:
		out = e.toBoolean(value, &w)
	case schema.TypeArray:
		out = e.toArray(value, to, &w)
	case schema.TypeJSON:
		out = e.toJSON(value, to, &w)
	case schema.TypeString, schema.TypeText:
		out = e.toString(value)
	default:
		w.add("unknown field type %q, value passed through", field.Type)
		out = value
	}

	return out, w.warnings
}

type warner struct {
	field    string
	from, to schema.Representation
	warnings []string
}

func (w *warner) add(format string, args ...any) {
	w.warnings = append(w.warnings,
		fmt.Sprintf("%s (%s->%s): %s", w.field, w.from, w.to, fmt.Sprintf(format, args...)))
}

func isNull(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case json.RawMessage:
		return len(v) == 0 || string(v) == "null"
	default:
		return false
	}
}

// parseNumber parses numeric input without locale handling
func parseNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case []byte:
		return parseNumber(string(v))
	case time.Time:
		return float64(v.Unix()), true
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

func (e *Engine) toInteger(value any, w *warner) any {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}

	f, ok := parseNumber(value)
	if !ok {
		w.add("cannot parse %v as integer", value)
		return nil
	}
	// float64(math.MaxInt64) rounds up to 2^63
	if f >= 0x1p63 || f < -0x1p63 {
		w.add("%v overflows integer", value)
		return nil
	}
	truncated := math.Trunc(f)
	if truncated != f {
		w.add("fractional part of %v dropped", value)
	}
	return int64(truncated)
}

func (e *Engine) toReal(value any, w *warner) any {
	f, ok := parseNumber(value)
	if !ok {
		w.add("cannot parse %v as real", value)
		return nil
	}
	return f
}

// parseTime accepts time values, epoch seconds or milliseconds and date strings
func (e *Engine) parseTime(value any) (time.Time, error) {
	if t, ok := value.(time.Time); ok {
		return t, nil
	}
	if f, ok := parseNumber(value); ok {
		if math.Abs(f) >= epochMillisThreshold {
			ms := int64(f)
			return time.UnixMilli(ms), nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))), nil
	}

	s, err := cast.ToStringE(value)
	if err != nil {
		return time.Time{}, err
	}
	return dateparse.ParseIn(strings.TrimSpace(s), e.loc)
}

func (e *Engine) toTimestamp(value any, to schema.Representation, w *warner) any {
	t, err := e.parseTime(value)
	if err != nil {
		w.add("cannot parse %v as timestamp", value)
		return nil
	}

	if to == schema.External {
		return t.UTC().Format(time.RFC3339)
	}
	if t.Nanosecond() != 0 {
		w.add("sub-second precision of %v dropped", value)
	}
	return t.Unix()
}

func (e *Engine) toDate(value any, w *warner) any {
	if s, ok := value.(string); ok {
		s = strings.TrimSpace(s)
		if d, err := time.Parse(DateLayout, s); err == nil {
			return d.Format(DateLayout)
		}
		if t, err := dateparse.ParseIn(s, e.loc); err == nil {
			value = t
		}
	}

	t, err := e.parseTime(value)
	if err != nil {
		w.add("cannot parse %v as date", value)
		return nil
	}
	t = t.In(e.loc)
	if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		w.add("time of day in %v dropped", value)
	}
	return t.Format(DateLayout)
}

func (e *Engine) toBoolean(value any, w *warner) any {
	s, isString := value.(string)
	if !isString {
		b, err := cast.ToBoolE(value)
		if err != nil {
			w.add("cannot interpret %v as boolean", value)
			return nil
		}
		return b
	}

	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on", ":1":
		return true
	case "0", "false", "f", "no", "n", "off", "", ":0":
		return false
	default:
		w.add("non-standard boolean %q treated as true", s)
		return true
	}
}

func (e *Engine) toArray(value any, to schema.Representation, w *warner) any {
	var items []string
	switch v := value.(type) {
	case string:
		items = splitList(v)
	case []byte:
		items = splitList(string(v))
	default:
		list, err := cast.ToStringSliceE(v)
		if err != nil {
			w.add("cannot interpret %T as array", value)
			return nil
		}
		items = list
	}

	if to != schema.Storage {
		if items == nil {
			items = []string{}
		}
		return items
	}

	for _, item := range items {
		if strings.Contains(item, ",") {
			w.add("element %q contains a comma and will split on read", item)
		}
	}
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func (e *Engine) toJSON(value any, to schema.Representation, w *warner) any {
	var obj any
	switch v := value.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			w.add("invalid JSON text discarded")
			return nil
		}
	case []byte:
		if err := json.Unmarshal(v, &obj); err != nil {
			w.add("invalid JSON text discarded")
			return nil
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &obj); err != nil {
			w.add("invalid JSON text discarded")
			return nil
		}
	default:
		obj = v
	}

	if to != schema.Storage {
		return obj
	}

	text, err := json.Marshal(obj)
	if err != nil {
		w.add("value of type %T cannot be serialized", obj)
		return nil
	}
	return string(text)
}

func (e *Engine) toString(value any) any {
	s, err := cast.ToStringE(value)
	if err != nil {
		s = fmt.Sprint(value)
	}
	return norm.NFC.String(s)
}
