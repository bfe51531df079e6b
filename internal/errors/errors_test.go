package errors

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuildWithReporter(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := Newf("resource %d not found", 7).
		Component("registry").
		ResourceContext(7, "Music").
		Priority(PriorityHigh).
		Build()

	assert.Equal(t, CategoryNotFound, ee.Category, "category inferred from message")
	assert.Equal(t, "registry", ee.GetComponent())
	assert.Equal(t, PriorityHigh, ee.GetPriority())
	assert.Equal(t, uint32(7), ee.GetContext()["resource_id"])
	require.Len(t, reporter.reported, 1)
	assert.True(t, ee.IsReported())
}

func TestPriorityFallback(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.Priority)

	ee = New(NewStd("x")).Priority("").Build()
	assert.Empty(t, ee.Priority)
}

func TestCategoryMatching(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("engine rejected bank")
	ee := New(sentinel).Category(CategoryLoadFailed).Build()
	wrapped := fmt.Errorf("load 5: %w", ee)

	assert.True(t, IsCategory(wrapped, CategoryLoadFailed))
	assert.False(t, IsNotFound(wrapped))
	assert.ErrorIs(t, wrapped, sentinel)
	assert.ErrorIs(t, wrapped, &EnhancedError{Category: CategoryLoadFailed})
}

func TestTimingContext(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("slow")).Timing("open_file", 1500*time.Millisecond).Build()
	ctx := ee.GetContext()
	assert.Equal(t, "open_file", ctx["operation"])
	assert.Equal(t, int64(1500), ctx["duration_ms"])

	ctx["operation"] = "mutated"
	assert.Equal(t, "open_file", ee.GetContext()["operation"], "context is returned as a copy")
}

func TestGenerateErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("boom")).
		Component("filecache").
		Category(CategoryOpenFailed).
		Context("operation", "open_handle").
		Build()
	assert.Equal(t, "Filecache Open Failed Open Handle", generateErrorTitle(ee))
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	scrubbed := scrubMessage("GET https://example.com/bank?token=abc failed for /home/alice/banks/init.bnk")
	assert.NotContains(t, scrubbed, "token=abc")
	assert.NotContains(t, scrubbed, "alice")
	assert.Contains(t, scrubbed, "https://example.com/bank?[REDACTED]")

	assert.Equal(t, "key [REDACTED]", scrubMessage("key 0123456789abcdef0123456789abcdef"))
}

func TestErrorLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fatal", string(errorLevel(&EnhancedError{Category: CategoryDuplicateID})))
	assert.Equal(t, "warning", string(errorLevel(&EnhancedError{Category: CategoryBusy})))
	assert.Equal(t, "fatal", string(errorLevel(&EnhancedError{Category: CategoryGeneric, Priority: PriorityCritical})))
}

func TestComponentOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want string
	}{
		{"github.com/tphakala/bankstream/internal/registry.(*Registry).Load", "registry"},
		{"github.com/tphakala/bankstream/internal/observability/metrics.NewQueueMetrics", "observability/metrics"},
		{"github.com/tphakala/bankstream/cmd/soak.run", "cmd/soak"},
		{"github.com/tphakala/bankstream/internal/errors.(*ErrorBuilder).Build", ""},
		{"runtime.goexit", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, componentOf(tt.fn), tt.fn)
	}
}

func TestBuildDetectsComponentWhenReporting(t *testing.T) {
	SetTelemetryReporter(&recordingReporter{})
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	// the test binary lives in this package, so no component is found
	ee := New(NewStd("x")).Build()
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
}
