package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T) *Bus {
	t.Helper()
	bus := New()
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := newBus(t)
	received := make(chan StateChangedEvent, 1)

	unsub := bus.Subscribe(func(e StateChangedEvent) {
		received <- e
	})
	defer unsub()

	bus.Publish(StateChangedEvent{Generation: 3, State: "running", Source: "Savanna"})

	select {
	case got := <-received:
		assert.Equal(t, uint64(3), got.Generation)
		assert.Equal(t, "Savanna", got.Source)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := newBus(t)
	received := make(chan uint64, 10)

	unsub := bus.Subscribe(func(e FrameProcessedEvent) {
		received <- e.Seq
	})
	defer unsub()

	for seq := uint64(1); seq <= 5; seq++ {
		bus.Publish(FrameProcessedEvent{Seq: seq})
	}

	for want := uint64(1); want <= 5; want++ {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", want)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newBus(t)
	received := make(chan StatusEvent, 1)

	unsub := bus.Subscribe(func(e StatusEvent) {
		received <- e
	})

	bus.Publish(StatusEvent{Message: "Unsupported file format"})
	<-received

	unsub()

	bus.Publish(StatusEvent{Message: "again"})
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_NilAndUnknown(t *testing.T) {
	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(StatusEvent{}) })

	unsub := newBus(t).Subscribe(func(string) {})
	assert.NotPanics(t, unsub)
	assert.NoError(t, nilBus.Close())
}

func TestBus_CloseStopsSubscribers(t *testing.T) {
	bus := New()
	received := make(chan StatusEvent, 1)

	unsubStatus := bus.Subscribe(func(e StatusEvent) { received <- e })
	bus.Subscribe(func(StateChangedEvent) {})

	bus.Publish(StatusEvent{Message: "Stopped"})
	<-received

	require.NoError(t, bus.Close())
	assert.NoError(t, bus.Close())

	assert.NotPanics(t, func() { bus.Publish(StatusEvent{Message: "late"}) })
	assert.NotPanics(t, unsubStatus)
	assert.NotPanics(t, bus.Subscribe(func(StatusEvent) {}))

	select {
	case <-received:
		t.Fatal("received event after close")
	case <-time.After(20 * time.Millisecond):
	}
}
