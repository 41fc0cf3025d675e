package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundSlots(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	ctx := context.Background()
	require.NoError(t, c.AcquireBackground(ctx))
	require.NoError(t, c.AcquireBackground(ctx))

	assert.False(t, c.TryAcquireBackground(), "both slots are busy")

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())

	c.ReleaseBackground()
	c.ReleaseBackground()
}

func TestAcquireBackgroundRespectsContext(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})

	ctx := context.Background()
	require.NoError(t, c.AcquireBackground(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, c.AcquireBackground(cancelled))

	c.ReleaseBackground()
}

func TestAcquireIOUnlimited(t *testing.T) {
	c := NewController(Config{})

	// No limit configured: never blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.AcquireIO(context.Background(), 1<<30)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unlimited AcquireIO blocked")
	}

	assert.Nil(t, c.IOLimiter())
}

func TestNilControllerIsNoop(t *testing.T) {
	var c *Controller

	ctx := context.Background()
	assert.NoError(t, c.AcquireBackground(ctx))
	assert.True(t, c.TryAcquireBackground())
	assert.NoError(t, c.AcquireIO(ctx, 1024))
	assert.Nil(t, c.IOLimiter())
	c.ReleaseBackground()
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	n, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", buf.String())
}
