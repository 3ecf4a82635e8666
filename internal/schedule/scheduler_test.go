package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitSleepsUntilOffset(t *testing.T) {
	s := New("sess-1")
	anchor := time.Now()

	start := time.Now()
	err := s.Wait(context.Background(), anchor, 40*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestWaitReturnsImmediatelyWhenAlreadyPast(t *testing.T) {
	s := New("sess-2")
	anchor := time.Now().Add(-time.Second)

	start := time.Now()
	err := s.Wait(context.Background(), anchor, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Less(t, elapsed, 50*time.Millisecond)
}

func TestWaitSkipsWhenFarBehind(t *testing.T) {
	s := New("sess-3")
	anchor := time.Now().Add(-time.Minute)

	err := s.Wait(context.Background(), anchor, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.ConsecutiveSkipped())
}

func TestWaitCanceledByContext(t *testing.T) {
	s := New("sess-4")
	anchor := time.Now()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Wait(ctx, anchor, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
