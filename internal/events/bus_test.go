package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(10, nil)
	defer cancel()

	bus.Publish(Event{Type: IPBlocked, IP: "1.1.1.1"})
	bus.Publish(Event{Type: IPUnblocked, IP: "1.1.1.1"})

	first := <-ch
	second := <-ch
	assert.Equal(t, IPBlocked, first.Type)
	assert.Equal(t, IPUnblocked, second.Type)
	assert.False(t, first.Time.IsZero())
}

func TestBusFilterAndDrop(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1, func(e Event) bool { return !e.Type.IsPacketEvent() })
	defer cancel()

	bus.Publish(Event{Type: PacketAllowed})
	bus.Publish(Event{Type: AttackDetected})
	bus.Publish(Event{Type: AttackResolved})

	e := <-ch
	assert.Equal(t, AttackDetected, e.Type)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1, nil)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// publishing after cancel must not panic
	bus.Publish(Event{Type: IPBlocked})
}

func TestRecorderCounts(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	stop := rec.Record(bus)

	bus.Publish(Event{Type: IPBlocked})
	bus.Publish(Event{Type: IPBlocked})
	bus.Publish(Event{Type: IPUnblocked})
	stop()

	assert.Equal(t, 2, rec.Count(IPBlocked))
	assert.Equal(t, 1, rec.Count(IPUnblocked))
}
