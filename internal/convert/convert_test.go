package convert

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/crmsync/internal/schema"
)

func field(name string, typ schema.FieldType) *schema.FieldSpec {
	return &schema.FieldSpec{Name: name, Type: typ}
}

func TestNumericConversion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)

	tests := []struct {
		name     string
		typ      schema.FieldType
		in       any
		want     any
		warnings int
	}{
		{"string to integer truncates", schema.TypeInteger, "42.5", int64(42), 1},
		{"string to real", schema.TypeReal, "42.5", 42.5, 0},
		{"float to integer", schema.TypeInteger, 7.0, int64(7), 0},
		{"padded integer", schema.TypeInteger, " 12 ", int64(12), 0},
		{"unparseable integer", schema.TypeInteger, "12,5", nil, 1},
		{"unparseable real", schema.TypeReal, "abc", nil, 1},
		{"bool to integer", schema.TypeInteger, true, int64(1), 0},
		{"largest integer string", schema.TypeInteger, "9223372036854775807", int64(math.MaxInt64), 0},
		{"integer string past int64", schema.TypeInteger, "9223372036854775808", nil, 1},
		{"float at 2^63 overflows", schema.TypeInteger, 0x1p63, nil, 1},
		{"smallest integer float", schema.TypeInteger, -0x1p63, int64(math.MinInt64), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, warnings := e.Convert(field("amount", tt.typ), tt.in, schema.External, schema.Storage)
			assert.Equal(t, tt.want, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestNullUsesDefault(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)

	withDefault := &schema.FieldSpec{Name: "amount", Type: schema.TypeReal, Default: 0}
	got, warnings := e.Convert(withDefault, nil, schema.External, schema.Storage)
	assert.Equal(t, 0.0, got)
	assert.Empty(t, warnings)

	got, warnings = e.Convert(field("budget", schema.TypeReal), nil, schema.External, schema.Storage)
	assert.Nil(t, got)
	assert.Empty(t, warnings)
}

func TestTimestampConversion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("createdAt", schema.TypeTimestamp)

	got, _ := e.Convert(f, "2024-03-01T10:00:00Z", schema.External, schema.Storage)
	assert.Equal(t, int64(1709287200), got)

	got, _ = e.Convert(f, int64(1709287200), schema.Storage, schema.External)
	assert.Equal(t, "2024-03-01T10:00:00Z", got)

	got, _ = e.Convert(f, 1709287200000.0, schema.External, schema.Transport)
	assert.Equal(t, int64(1709287200), got, "epoch milliseconds reduce to seconds")

	got, _ = e.Convert(f, "1709287200", schema.Transport, schema.Storage)
	assert.Equal(t, int64(1709287200), got)

	got, warnings := e.Convert(f, "not a time", schema.External, schema.Storage)
	assert.Nil(t, got)
	assert.Len(t, warnings, 1)
}

func TestDateConversionIsLossy(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("startDate", schema.TypeDate)

	got, warnings := e.Convert(f, "2024-03-01", schema.External, schema.Storage)
	assert.Equal(t, "2024-03-01", got)
	assert.Empty(t, warnings)

	got, warnings = e.Convert(f, "2024-03-01 15:04:05", schema.External, schema.Storage)
	assert.Equal(t, "2024-03-01", got)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "startDate")

	got, _ = e.Convert(f, int64(1709287200), schema.Storage, schema.External)
	assert.Equal(t, "2024-03-01", got)
}

func TestBooleanConversion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("archived", schema.TypeBoolean)

	for _, in := range []any{"yes", "TRUE", ":1", "1", 1, int64(3), true} {
		got, _ := e.Convert(f, in, schema.External, schema.Storage)
		assert.Equal(t, true, got, "input %v", in)
	}
	for _, in := range []any{"no", "false", "0", "", 0, false} {
		got, _ := e.Convert(f, in, schema.External, schema.Storage)
		assert.Equal(t, false, got, "input %v", in)
	}

	got, warnings := e.Convert(f, "maybe", schema.External, schema.Storage)
	assert.Equal(t, true, got)
	assert.Len(t, warnings, 1)
}

func TestArrayConversion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("tags", schema.TypeArray)

	got, _ := e.Convert(f, "vip, renovation,,kitchen", schema.Storage, schema.Transport)
	assert.Equal(t, []string{"vip", "renovation", "kitchen"}, got)

	got, _ = e.Convert(f, []any{"vip", "kitchen"}, schema.External, schema.Storage)
	assert.Equal(t, "vip,kitchen", got)

	got, warnings := e.Convert(f, []string{"a,b"}, schema.Transport, schema.Storage)
	assert.Equal(t, "a,b", got)
	assert.Len(t, warnings, 1)

	got, _ = e.Convert(f, "", schema.Storage, schema.Transport)
	assert.Equal(t, []string{}, got)
}

func TestJSONConversion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("customFields", schema.TypeJSON)

	got, _ := e.Convert(f, `{"floor":3}`, schema.Storage, schema.Transport)
	assert.Equal(t, map[string]any{"floor": 3.0}, got)

	got, _ = e.Convert(f, map[string]any{"floor": 3}, schema.External, schema.Storage)
	assert.Equal(t, `{"floor":3}`, got)

	got, warnings := e.Convert(f, `{"floor":`, schema.Storage, schema.Transport)
	assert.Nil(t, got)
	assert.Len(t, warnings, 1)
}

func TestStringConversionNormalizes(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.UTC)
	f := field("name", schema.TypeString)

	got, _ := e.Convert(f, "Cafe\u0301", schema.External, schema.Storage)
	assert.Equal(t, "Caf\u00e9", got)

	got, _ = e.Convert(f, 1234567890123.0, schema.External, schema.Storage)
	assert.Equal(t, "1234567890123", got)
}
