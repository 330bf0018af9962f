package mixgraph

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

const (
	defaultMeterInterval = 50 * time.Millisecond
	defaultMeterCapacity = 64
)

// meterForwarder is the single consumer of every channel's meter ring. Each
// interval it publishes one reading per channel: the loudest peak seen since
// the last one, with the newest RMS.
type meterForwarder struct {
	logger   *zap.SugaredLogger
	bus      *EventBus
	interval time.Duration

	lock  sync.Mutex
	rings map[string]*realtime.MeterRing
}

func newMeterForwarder(logger *zap.SugaredLogger, bus *EventBus, interval time.Duration) *meterForwarder {
	logger = logger.Named("meter")

	if interval <= 0 {
		interval = defaultMeterInterval
	}

	mf := &meterForwarder{
		logger:   logger,
		bus:      bus,
		interval: interval,
		rings:    make(map[string]*realtime.MeterRing),
	}

	logger.Debugw("Created meter forwarder instance", "interval", interval)

	return mf
}

func (mf *meterForwarder) attach(channelID string, ring *realtime.MeterRing) {
	mf.lock.Lock()
	defer mf.lock.Unlock()

	mf.rings[channelID] = ring
}

func (mf *meterForwarder) detach(channelID string) {
	mf.lock.Lock()
	defer mf.lock.Unlock()

	delete(mf.rings, channelID)
}

func (mf *meterForwarder) run(ctx context.Context) {
	ticker := time.NewTicker(mf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mf.logger.Debug("Meter forwarder stopping")
			return
		case <-ticker.C:
			mf.forward()
		}
	}
}

func (mf *meterForwarder) forward() {
	mf.lock.Lock()
	defer mf.lock.Unlock()

	for channelID, ring := range mf.rings {
		var (
			reading realtime.MeterSample
			seen    bool
		)

		ring.Drain(func(s realtime.MeterSample) {
			if s.Peak > reading.Peak {
				reading.Peak = s.Peak
			}
			reading.RMS = s.RMS
			reading.At = s.At
			seen = true
		})

		if seen {
			mf.bus.Publish(Event{Kind: EventMeter, ChannelID: channelID, Meter: reading})
		}
	}
}
