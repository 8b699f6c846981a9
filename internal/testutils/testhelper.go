package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds how long helpers wait on asynchronous results.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewLogger(),
	}
}

// NewLogger returns a logger with debug output enabled to track execution flow.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// Receive waits for one value from ch and fails the test on timeout or close.
func Receive[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel MUST NOT be closed")
		return v
	case <-time.After(DefaultWait):
		require.FailNow(t, "timed out waiting for value")
	}
	var zero T
	return zero
}

// ReceiveN collects exactly n values from ch.
func ReceiveN[T any](t testing.TB, ch <-chan T, n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Receive(t, ch))
	}
	return out
}

// ReceiveUntil collects values from ch up to and including the first one matching stop.
func ReceiveUntil[T any](t testing.TB, ch <-chan T, stop func(T) bool) []T {
	t.Helper()
	var out []T
	for {
		v := Receive(t, ch)
		out = append(out, v)
		if stop(v) {
			return out
		}
	}
}

// AssertNoReceive fails if ch yields a value within wait. A closed channel passes.
func AssertNoReceive[T any](t testing.TB, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			require.Failf(t, "unexpected value", "%+v", v)
		}
	case <-time.After(wait):
	}
}

// Drain reads ch until it is closed and returns everything it yielded.
func Drain[T any](t testing.TB, ch <-chan T) []T {
	t.Helper()
	var out []T
	deadline := time.After(DefaultWait)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			require.FailNow(t, "timed out waiting for channel close")
			return out
		}
	}
}
