package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New()
	assert.True(t, b.Allowed())
	assert.Equal(t, "closed", b.State().String())
	require.NoError(t, b.Wait(context.Background()))
}

func TestBreaker_TransitionsAreIdempotent(t *testing.T) {
	b := New()
	assert.True(t, b.Trip())
	assert.False(t, b.Trip())
	assert.Equal(t, Open, b.State())
	assert.True(t, b.Restore())
	assert.False(t, b.Restore())
	assert.Equal(t, uint64(1), b.Trips())
}

func TestBreaker_WaitUnblocksOnRestore(t *testing.T) {
	b := New()
	b.Trip()

	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while open")
	case <-time.After(20 * time.Millisecond):
	}

	b.Restore()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Restore")
	}
}

func TestBreaker_WaitHonoursContext(t *testing.T) {
	b := New()
	b.Trip()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestBreaker_ChangedFires(t *testing.T) {
	b := New()
	ch := b.Changed()
	b.Trip()
	select {
	case <-ch:
	default:
		t.Fatal("Changed channel not closed on transition")
	}
}
