// Package errors provides enhanced errors with categories, context and
// optional telemetry reporting.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors for logging, metrics and telemetry
type ErrorCategory string

// CategorizedError is an interface for errors that can specify their own category
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	// Resource lifecycle
	CategoryOpenFailed  ErrorCategory = "open-failed"  // backing storage could not be resolved
	CategoryLoadFailed  ErrorCategory = "load-failed"  // engine rejected the data
	CategoryBusy        ErrorCategory = "busy"         // transition blocked, retried automatically
	CategoryNotFound    ErrorCategory = "not-found"    // unknown resource ID
	CategoryDuplicateID ErrorCategory = "duplicate-id" // two live descriptors share one ID
	CategoryState       ErrorCategory = "state"        // unexpected state machine transition

	// Transport and storage
	CategoryStreaming ErrorCategory = "streaming"
	CategoryFileIO    ErrorCategory = "file-io"
	CategoryFormat    ErrorCategory = "audio-format"
	CategoryQueue     ErrorCategory = "execution-queue"

	// General
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryGeneric       ErrorCategory = "generic"
)

// Priority constants for error prioritization
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

// modulePath prefixes every package of this module
const modulePath = "github.com/tphakala/bankstream/"

// EnhancedError wraps an error with a category, a component and context.
// It is immutable once built apart from the reported flag.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time

	component string
	reported  atomic.Bool
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the
// wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return Is(ee.Err, target)
}

// GetComponent returns the component that raised the error
func (ee *EnhancedError) GetComponent() string {
	if ee.component == "" {
		return ComponentUnknown
	}
	return ee.component
}

func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

func (ee *EnhancedError) GetPriority() string {
	return ee.Priority
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

func (ee *EnhancedError) MarkReported() {
	ee.reported.Store(true)
}

func (ee *EnhancedError) IsReported() bool {
	return ee.reported.Load()
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts an enhanced error wrapping err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts an enhanced error from a format string
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name. When reporting is active an unset
// component is derived from the caller's package.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets the priority. Unknown values fall back to medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any, 4)
	}
	eb.context[key] = value
	return eb
}

// ResourceContext tags the error with the resource it concerns
func (eb *ErrorBuilder) ResourceContext(id uint32, name string) *ErrorBuilder {
	eb.Context("resource_id", id)
	if name != "" {
		eb.Context("resource_name", name)
	}
	return eb
}

// Timing records how long the failed operation ran
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", duration.Milliseconds())
	return eb
}

// Build creates the EnhancedError and hands it to the telemetry reporter
// when one is active
func (eb *ErrorBuilder) Build() *EnhancedError {
	reporting := hasActiveReporting.Load()

	component := eb.component
	if component == "" && reporting {
		// skip runtime.Callers, callerComponent and Build
		component = callerComponent(3)
	}
	category := eb.category
	if category == "" {
		category = detectCategory(eb.err)
	}

	ee := &EnhancedError{
		Err:       eb.err,
		Category:  category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
		component: component,
	}
	if reporting {
		reportToTelemetry(ee)
	}
	return ee
}

// callerComponent names the first caller outside this package after the
// module's internal/ or cmd/ prefix, e.g. "registry" or "cmd/soak"
func callerComponent(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if component := componentOf(frame.Function); component != "" {
			return component
		}
		if !more {
			return ComponentUnknown
		}
	}
}

// componentOf maps a fully qualified function name to its component
func componentOf(funcName string) string {
	rest, ok := strings.CutPrefix(funcName, modulePath)
	if !ok {
		return ""
	}
	// drop the function part: "internal/registry.(*Registry).Load"
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	switch {
	case rest == "internal/errors":
		return ""
	case strings.HasPrefix(rest, "internal/"):
		return strings.TrimPrefix(rest, "internal/")
	case rest == "main":
		return "main"
	default:
		return rest
	}
}

// detectCategory infers a category when the builder did not set one
func detectCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}

	var catErr CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.ErrorCategory()
	}

	var enhErr *EnhancedError
	if stderrors.As(err, &enhErr) && enhErr.Category != "" {
		return enhErr.Category
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return CategoryNotFound
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "wav"), strings.Contains(msg, "flac"), strings.Contains(msg, "format"):
		return CategoryFormat
	case strings.Contains(msg, "file"), strings.Contains(msg, "read"), strings.Contains(msg, "open"):
		return CategoryFileIO
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"):
		return CategoryValidation
	}
	return CategoryGeneric
}

// NewStd creates a plain sentinel error
func NewStd(text string) error {
	return stderrors.New(text)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if err is an EnhancedError with the given category
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound checks for CategoryNotFound
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

var hasActiveReporting atomic.Bool
