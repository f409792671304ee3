package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aui-framework/aui-go/auicore/app"
	"github.com/aui-framework/aui-go/auicore/thread"
)

func TestRun(t *testing.T) {
	defer thread.Release()
	cfg := app.DefaultConfig()
	cfg.ThreadPoolSize = 3
	a, err := app.New(cfg, app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := run(ctx, a, options{
		receivers: 3,
		emitters:  4,
		emissions: 100,
		ticks:     3,
		tick:      5 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(400), r.Emitted)
	assert.Equal(t, int64(2400), r.Expected)
	assert.Equal(t, r.Expected, r.Delivered)
	assert.Zero(t, r.AfterDestroy)
	assert.GreaterOrEqual(t, r.Ticks, int64(3))
	assert.Equal(t, 500500, r.Sum)
}
