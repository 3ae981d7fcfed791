package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/contractocr/internal/redistest"
)

func TestAcquireBoundsInFlight(t *testing.T) {
	l := New(nil, Options{MaxInflight: 2})
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "gemini")
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "Gemini")
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight("gemini"))

	// a different backend has its own slots
	r3, err := l.Acquire(ctx, "document_ai")
	require.NoError(t, err)
	r3()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(short, "gemini")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r1() // releasing twice frees only one slot
	assert.Equal(t, 1, l.InFlight("gemini"))
	r2()
	assert.Equal(t, 0, l.InFlight("gemini"))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	l := New(nil, Options{MaxInflight: 1})
	release, err := l.Acquire(context.Background(), "tesseract")
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		r, err := l.Acquire(context.Background(), "tesseract")
		if err == nil {
			r()
		}
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded")
	}
}

func TestWithoutRedisBreakerNeverOpens(t *testing.T) {
	l := New(nil, Options{})
	assert.Equal(t, time.Duration(0), l.Open(context.Background(), "gemini"))
	assert.False(t, l.IsOpen(context.Background(), "gemini"))
}

func TestCooldownSharedThroughRedis(t *testing.T) {
	rdb, _ := redistest.Start(t)
	ctx := context.Background()
	a := New(rdb, Options{BaseBackoff: 2 * time.Second, MaxBackoff: 3 * time.Second})
	b := New(rdb, Options{})

	assert.Equal(t, 2*time.Second, a.Open(ctx, "gemini"))
	assert.True(t, b.IsOpen(ctx, "gemini"), "second worker sees the cooldown")
	_, err := b.Acquire(ctx, "gemini")
	assert.ErrorIs(t, err, ErrCoolingDown)

	assert.Equal(t, 3*time.Second, a.Open(ctx, "gemini"), "doubling is capped")

	a.Reset(ctx, "gemini")
	assert.False(t, b.IsOpen(ctx, "gemini"))
	release, err := b.Acquire(ctx, "gemini")
	require.NoError(t, err)
	release()
}
