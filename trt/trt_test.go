package trt

// Common initialization and testing tools for all test files.

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// runAsync runs fn in a goroutine and returns a channel closed when it returns.
func runAsync(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

// requireBlocked fails the test if done is closed within wait.
func requireBlocked(t *testing.T, done <-chan struct{}, wait time.Duration, msgAndArgs ...any) {
	select {
	case <-done:
		require.Fail(t, "expected to be blocked", msgAndArgs...)
	case <-time.After(wait):
	}
}

// requireDone fails the test if done is not closed within timeout.
func requireDone(t *testing.T, done <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	select {
	case <-done:
	case <-time.After(timeout):
		require.Fail(t, "timed out", msgAndArgs...)
	}
}
