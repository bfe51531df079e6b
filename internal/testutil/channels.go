// Package testutil provides helpers shared by bankstream tests.
package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tphakala/bankstream/internal/logger"
)

// Test timeouts
const (
	// DefaultTestTimeout bounds most async waits
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for callbacks expected almost immediately
	ShortTestTimeout = 1 * time.Second

	// LongTestTimeout is for stress tests on slow CI machines
	LongTestTimeout = 30 * time.Second
)

// WaitForChannel waits for a signal on ch or fails after timeout
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// WaitForValue receives one value from ch or fails after timeout
func WaitForValue[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.Fail(t, msg)
		var zero T
		return zero
	}
}

// AssertNoValue fails if ch yields a value within wait
func AssertNoValue[T any](t *testing.T, ch <-chan T, wait time.Duration, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		require.Failf(t, msg, "unexpected value %v", v)
	case <-time.After(wait):
	}
}

// Eventually polls cond until it holds or timeout expires
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, time.Millisecond, msg)
}

// DiscardLogger returns a logger that writes nowhere
func DiscardLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}
