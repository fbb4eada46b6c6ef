package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestMemoryBus_PublishSubscribeExactSubject(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch := make(chan *Event, 1)
	sub, err := bus.Subscribe(SessionSubject("abc"), func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	ev := NewEvent("status_change", "test", map[string]interface{}{"sessionId": "abc"})
	require.NoError(t, bus.Publish(context.Background(), SessionSubject("abc"), ev))

	got := waitFor(t, ch)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "status_change", got.Type)
}

func TestMemoryBus_NonMatchingSubjectNotDelivered(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch := make(chan *Event, 1)
	_, err := bus.Subscribe(SessionSubject("abc"), func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("status_change", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), SessionSubject("other"), ev))

	select {
	case <-ch:
		t.Fatal("should not have received event for a different subject")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryBus_WildcardSubjectMatch(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch := make(chan *Event, 1)
	_, err := bus.Subscribe("agentz.session.*", func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("status_change", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), SessionSubject("xyz"), ev))
	got := waitFor(t, ch)
	assert.Equal(t, ev.ID, got.ID)
}

func TestMemoryBus_WildcardDoesNotCrossDots(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch := make(chan *Event, 1)
	_, err := bus.Subscribe("agentz.session.*", func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)

	// "agentz.session.abc.extra" has an extra path segment, "*" must not
	// match across the additional dot.
	ev := NewEvent("status_change", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "agentz.session.abc.extra", ev))

	select {
	case <-ch:
		t.Fatal("single-segment wildcard must not match a deeper subject")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryBus_QueueSubscribeRoundRobin(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) EventHandler {
		return func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}

	_, err := bus.QueueSubscribe(RegistrySubject, "workers", record("a"))
	require.NoError(t, err)
	_, err = bus.QueueSubscribe(RegistrySubject, "workers", record("b"))
	require.NoError(t, err)

	const n = 10
	for i := 0; i < n; i++ {
		ev := NewEvent("tick", "test", nil)
		require.NoError(t, bus.Publish(context.Background(), RegistrySubject, ev))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"]+counts["b"] == n
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, counts["a"], "round robin should split evenly across two queue members")
	assert.Equal(t, 5, counts["b"], "round robin should split evenly across two queue members")
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	ch := make(chan *Event, 1)
	sub, err := bus.Subscribe(RegistrySubject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), RegistrySubject, NewEvent("tick", "test", nil)))
	select {
	case <-ch:
		t.Fatal("unsubscribed handler must not receive further events")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryBus_PublishAfterCloseErrors(t *testing.T) {
	bus := NewMemoryBus(nil)
	bus.Close()
	assert.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), RegistrySubject, NewEvent("tick", "test", nil))
	assert.Error(t, err)
}

func TestSubjectMatches_GreaterThanWildcardMatchesTail(t *testing.T) {
	assert.True(t, subjectMatches("agentz.session.abc.chunk", "agentz.session.>"))
	assert.False(t, subjectMatches("agentz.registry", "agentz.session.>"))
}
