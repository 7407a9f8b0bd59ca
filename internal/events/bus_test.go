package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 4)
	all := make(chan Event, 4)
	bus.Subscribe(EventOrderPlaced, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishOrderPlaced("KRW-BTC", "uuid-1", "BUY_VANGUARD", "200000", "oversold bounce")
	bus.PublishPriceUpdate("KRW-BTC", 95000000)

	ev := receive(t, typed)
	assert.Equal(t, EventOrderPlaced, ev.Type)
	assert.Equal(t, "KRW-BTC", ev.Market)
	assert.Equal(t, "uuid-1", ev.Data["order_uuid"])
	assert.False(t, ev.Timestamp.IsZero())

	seen := map[EventType]bool{}
	seen[receive(t, all).Type] = true
	seen[receive(t, all).Type] = true
	assert.True(t, seen[EventOrderPlaced])
	assert.True(t, seen[EventPriceUpdate])

	select {
	case extra := <-typed:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishErrorCarriesCause(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventError, func(e Event) { ch <- e })

	bus.PublishError("engine", "KRW-ETH", "snapshot failed", assert.AnError)

	ev := receive(t, ch)
	require.Contains(t, ev.Data, "error")
	assert.Equal(t, assert.AnError.Error(), ev.Data["error"])
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() {
		bus.PublishCircuitBreaker("KRW-BTC", -50001)
	})
}
