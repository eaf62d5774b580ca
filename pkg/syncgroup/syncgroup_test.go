package syncgroup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncGroupWaitsForAll(t *testing.T) {
	g := NewSyncGroup(nil)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go("worker", func() {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		})
	}
	g.Go("panics", func() { panic("boom") })
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
	assert.Empty(t, g.Running())
}

func TestSyncGroupWaitTimeout(t *testing.T) {
	g := NewSyncGroup(nil)
	ctx, cancel := context.WithCancel(context.Background())
	g.GoCtx(ctx, "loop", func(ctx context.Context) { <-ctx.Done() })

	assert.False(t, g.WaitTimeout(10*time.Millisecond))
	assert.Equal(t, []string{"loop"}, g.Running())

	cancel()
	assert.True(t, g.WaitTimeout(time.Second))
}
