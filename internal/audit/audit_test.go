package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestBusFansOutByType(t *testing.T) {
	bus := NewBus()
	wakes := bus.Subscribe(TypeSandboxWoken)
	everything := bus.Subscribe()
	defer bus.Unsubscribe(everything)
	defer bus.Unsubscribe(wakes)

	bus.Emit(TypeSandboxWoken, "acme", map[string]interface{}{"reason": "direct"})
	bus.Emit(TypeRevocation, "acme", map[string]interface{}{"capabilityId": "cap-1"})

	woke := recv(t, wakes)
	assert.Equal(t, TypeSandboxWoken, woke.Type)
	assert.Equal(t, "acme", woke.TenantID)
	assert.Equal(t, "direct", woke.Fields["reason"])
	assert.NotEmpty(t, woke.ID)
	assert.False(t, woke.At.IsZero())

	first := recv(t, everything)
	second := recv(t, everything)
	assert.Equal(t, TypeSandboxWoken, first.Type)
	assert.Equal(t, TypeRevocation, second.Type)

	select {
	case e := <-wakes:
		t.Fatalf("typed subscriber got unrelated event %q", e.Type)
	default:
	}
}

func TestBusDropsWhenSubscriberStalls(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRevocation)
	defer bus.Unsubscribe(ch)

	// Never drained: the buffer fills, later deliveries are skipped and the
	// emitter does not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Emit(TypeRevocation, "acme", nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a stalled subscriber")
	}
	assert.GreaterOrEqual(t, bus.Dropped(), uint64(10))
	assert.Len(t, ch, subscriberBuffer)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe reaches nobody and does not panic.
	bus.Emit(TypeKeyRotation, "acme", nil)
}

func TestPublishKeepsCallerStamps(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{ID: "evt-1", Type: TypeVaultUnlocked, TenantID: "acme", At: at})

	e := recv(t, ch)
	assert.Equal(t, "evt-1", e.ID)
	assert.Equal(t, at, e.At)
}
