package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id string

	mu       sync.Mutex
	triggers []string
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Trigger(client, callback, trigger string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, client+"/"+callback+"/"+trigger)
}

func TestUpdateSubscriptions_AddAndEnumerate(t *testing.T) {
	b := New()
	s := &fakeSub{id: "sock-1"}

	b.UpdateSubscriptions(s, "c1", "cb1", []string{"names", "pets"})

	triples := b.Triples([]string{"names"})
	require.Len(t, triples, 1)
	assert.Equal(t, "c1", triples[0].Client)
	assert.Equal(t, "cb1", triples[0].Callback)

	// The same triple on both channels enumerates once.
	triples = b.Triples([]string{"names", "pets"})
	assert.Len(t, triples, 1)
}

func TestUpdateSubscriptions_MigratesChannels(t *testing.T) {
	b := New()
	s := &fakeSub{id: "sock-1"}

	b.UpdateSubscriptions(s, "c1", "", []string{"old"})
	b.UpdateSubscriptions(s, "c1", "", []string{"new"})

	assert.Empty(t, b.Triples([]string{"old"}))
	assert.Len(t, b.Triples([]string{"new"}), 1)
	assert.Equal(t, []string{"new"}, b.Channels())
}

func TestUnsubscribe_RemovesAllCallbacksForClient(t *testing.T) {
	b := New()
	s := &fakeSub{id: "sock-1"}

	b.UpdateSubscriptions(s, "c1", "cb1", []string{"names"})
	b.UpdateSubscriptions(s, "c1", "cb2", []string{"names"})
	b.UpdateSubscriptions(s, "c2", "cb3", []string{"names"})
	require.Len(t, b.Triples([]string{"names"}), 3)

	b.Unsubscribe(s, "c1")
	triples := b.Triples([]string{"names"})
	require.Len(t, triples, 1)
	assert.Equal(t, "c2", triples[0].Client)
}

func TestDropSubscriber_PurgesEverything(t *testing.T) {
	b := New()
	s1 := &fakeSub{id: "sock-1"}
	s2 := &fakeSub{id: "sock-2"}

	b.UpdateSubscriptions(s1, "c1", "", []string{"names", "pets"})
	b.UpdateSubscriptions(s2, "c1", "", []string{"names"})

	b.DropSubscriber(s1)
	assert.False(t, b.HasSubscriber("sock-1"))
	assert.True(t, b.HasSubscriber("sock-2"))
	assert.Equal(t, []string{"names"}, b.Channels())
}

func TestDistinctCallbacksCoexist(t *testing.T) {
	b := New()
	s := &fakeSub{id: "sock-1"}

	b.UpdateSubscriptions(s, "c1", "cb1", []string{"names"})
	b.UpdateSubscriptions(s, "c1", "cb2", []string{"names"})
	assert.Len(t, b.Triples([]string{"names"}), 2)

	// Re-declaring cb1 with no channels removes only cb1.
	b.UpdateSubscriptions(s, "c1", "cb1", nil)
	triples := b.Triples([]string{"names"})
	require.Len(t, triples, 1)
	assert.Equal(t, "cb2", triples[0].Callback)
}

func TestLocalCallbacks(t *testing.T) {
	b := New()
	var ran int
	b.ListenLocal("names", func(context.Context) { ran++ })
	b.ListenLocal("names", func(context.Context) { ran++ })
	b.ListenLocal("other", func(context.Context) { ran++ })

	for _, fn := range b.LocalCallbacks([]string{"names"}) {
		fn(context.Background())
	}
	assert.Equal(t, 2, ran)
}
