package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch_SetClear(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.IsSet())

	select {
	case <-l.Done():
		t.Fatal("latch fired before Set")
	default:
	}

	l.Set()
	l.Set() // idempotent
	assert.True(t, l.IsSet())

	select {
	case <-l.Done():
	default:
		t.Fatal("latch not fired after Set")
	}

	l.Clear()
	assert.False(t, l.IsSet())
	select {
	case <-l.Done():
		t.Fatal("latch still fired after Clear")
	default:
	}
}

func TestHooks_StartupOrder(t *testing.T) {
	h := NewHooks()
	var order []string

	h.OnStartup("third", 10, func(context.Context) error {
		order = append(order, "third")
		return nil
	})
	h.OnStartup("first", 0, func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	h.OnStartup("second", 0, func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, h.Startup(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.False(t, h.Stopped.IsSet())
}

func TestHooks_StartupAbortsOnError(t *testing.T) {
	h := NewHooks()
	ran := false

	h.OnStartup("boom", 0, func(context.Context) error {
		return errors.New("no good")
	})
	h.OnStartup("after", 1, func(context.Context) error {
		ran = true
		return nil
	})

	err := h.Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, ran)
}

func TestHooks_ShutdownReverseOrderAndSwallowsErrors(t *testing.T) {
	h := NewHooks()
	var order []string

	h.OnShutdown("low", 0, func(context.Context) error {
		order = append(order, "low")
		return nil
	})
	h.OnShutdown("panics", 5, func(context.Context) error {
		order = append(order, "panics")
		panic("ouch")
	})
	h.OnShutdown("high", 10, func(context.Context) error {
		order = append(order, "high")
		return errors.New("ignored")
	})

	h.Shutdown(context.Background())
	assert.Equal(t, []string{"high", "panics", "low"}, order)
	assert.True(t, h.Stopped.IsSet())
}

func TestHooks_StartupClearsLatch(t *testing.T) {
	h := NewHooks()
	h.Shutdown(context.Background())
	require.True(t, h.Stopped.IsSet())

	require.NoError(t, h.Startup(context.Background()))
	assert.False(t, h.Stopped.IsSet())
}
