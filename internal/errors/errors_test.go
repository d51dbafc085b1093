package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.reported = append(r.reported, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
}

func TestBuilderContext(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := Newf("write failed for %s", "deal").
		Category(CategoryBatchWrite).
		ObjectContext("deal", 3).
		Priority("bogus").
		Build()

	assert.Equal(t, CategoryBatchWrite, ee.Category)
	assert.Equal(t, PriorityMedium, ee.GetPriority())
	ctx := ee.GetContext()
	assert.Equal(t, "deal", ctx["object_type"])
	assert.Equal(t, 3, ctx["batch_index"])
}

func TestIsCategoryThroughWrapping(t *testing.T) {
	SetTelemetryReporter(nil)

	base := NotFound("object type %q not found", "invoice")
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.True(t, Is(wrapped, base))
}

func TestTelemetryReporterReceivesErrors(t *testing.T) {
	rep := &recordingReporter{}
	SetTelemetryReporter(rep)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("connection refused")).Priority(PriorityHigh).Build()

	require.Len(t, rep.reported, 1)
	assert.Same(t, ee, rep.reported[0])
	assert.Equal(t, CategoryNetwork, ee.Category)
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	msg := scrubMessage("GET https://crm.example.com/deals?token=abc failed, auth=xyz, phone 13812345678, Bearer s3cr3t")

	assert.NotContains(t, msg, "abc")
	assert.NotContains(t, msg, "xyz")
	assert.NotContains(t, msg, "13812345678")
	assert.NotContains(t, msg, "s3cr3t")
	assert.True(t, strings.Contains(msg, "[REDACTED]"))
}
