// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		jitter := 0.2
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, jitter, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))

	for _, err := range []error{
		errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"),
		errors.New("read: connection reset by peer"),
		errors.New("i/o timeout"),
		errors.New("unexpected EOF"),
	} {
		require.True(IsTransientError(err), "%v", err)
	}

	for _, err := range []error{
		errors.New("invalid certificate"),
		errors.New("authentication failed"),
	} {
		require.False(IsTransientError(err), "%v", err)
	}
}

// mockNetError implements net.Error for testing
type mockNetError struct {
	timeout   bool
	temporary bool
	msg       string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return e.temporary }

var _ net.Error = (*mockNetError)(nil)

func TestIsTransientNetError(t *testing.T) {
	require := require.New(t)

	require.True(IsTransientError(&mockNetError{timeout: true, msg: "operation timed out"}))
	require.True(IsTransientError(&mockNetError{temporary: true, msg: "resolver overloaded"}))
	require.False(IsTransientError(&mockNetError{msg: "permanent failure"}))
}
