package shutdown

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	m := NewManager(nil)
	var order []string
	m.OnShutdown("hub", func(context.Context) error { order = append(order, "hub"); return nil })
	m.OnShutdown("feed", func(context.Context) error { order = append(order, "feed"); return errors.New("boom") })
	m.OnShutdown("logger", func(context.Context) error { order = append(order, "logger"); return nil })

	assert.Equal(t, 1, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"logger", "feed", "hub"}, order)

	assert.Equal(t, 0, m.Shutdown(context.Background()), "重复调用无副作用")
	assert.Len(t, order, 3)
}

func TestShutdownStopsOnExpiredContext(t *testing.T) {
	m := NewManager(nil)
	called := false
	m.OnShutdown("a", func(context.Context) error { called = true; return nil })
	m.OnShutdown("b", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 2, m.Shutdown(ctx))
	assert.False(t, called)
}
