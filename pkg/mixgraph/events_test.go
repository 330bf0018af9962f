package mixgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

func TestEventBusFansOut(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	first, stopFirst := bus.Subscribe(4)
	second, stopSecond := bus.Subscribe(4)
	defer stopSecond()

	bus.Publish(Event{Kind: EventChannelAdded, ChannelID: "web"})

	assert.Equal(t, "web", (<-first).ChannelID)
	assert.Equal(t, "web", (<-second).ChannelID)

	stopFirst()
	stopFirst()

	_, open := <-first
	assert.False(t, open)

	bus.Publish(Event{Kind: EventChannelRemoved, ChannelID: "web"})
	assert.Equal(t, EventChannelRemoved, (<-second).Kind)
}

func TestEventBusNeverBlocks(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())
	events, stop := bus.Subscribe(2)
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: EventMeter})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "Publish blocked on a slow subscriber")
	}

	assert.Len(t, events, 2)
	assert.Equal(t, uint64(8), bus.dropped.Load())
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())
	events, stop := bus.Subscribe(1)

	bus.Close()
	_, open := <-events
	assert.False(t, open)

	// stopping after close is harmless
	stop()

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestMeterForwarderKeepsLoudestPeak(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	bus := NewEventBus(logger)
	events, stop := bus.Subscribe(8)
	defer stop()

	mf := newMeterForwarder(logger, bus, time.Hour)
	ring := realtime.NewMeterRing(8)
	mf.attach("web", ring)

	ring.Push(realtime.MeterSample{Peak: 0.2, RMS: 0.1, At: 1})
	ring.Push(realtime.MeterSample{Peak: 0.9, RMS: 0.5, At: 2})
	ring.Push(realtime.MeterSample{Peak: 0.4, RMS: 0.3, At: 3})

	mf.forward()

	require.Len(t, events, 1)
	e := <-events
	assert.Equal(t, EventMeter, e.Kind)
	assert.Equal(t, "web", e.ChannelID)
	assert.Equal(t, float32(0.9), e.Meter.Peak)
	assert.Equal(t, float32(0.3), e.Meter.RMS)
	assert.Equal(t, int64(3), e.Meter.At)

	// nothing new, nothing published
	mf.forward()
	assert.Empty(t, events)

	mf.detach("web")
	ring.Push(realtime.MeterSample{Peak: 1})
	mf.forward()
	assert.Empty(t, events)
}
