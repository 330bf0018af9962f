package mixgraph

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

type EventKind int

const (
	EventChannelAdded EventKind = iota
	EventChannelRemoved
	EventChannelUpdated
	EventEndpointChanged
	EventNodeAdded
	EventNodeRemoved
	EventLinkAdded
	EventLinkRemoved
	EventMeter
	EventConnectionChanged
	EventError
	EventStreamRouted
	EventStreamUnrouted
)

func (k EventKind) String() string {
	switch k {
	case EventChannelAdded:
		return "ChannelAdded"
	case EventChannelRemoved:
		return "ChannelRemoved"
	case EventChannelUpdated:
		return "ChannelUpdated"
	case EventEndpointChanged:
		return "EndpointChanged"
	case EventNodeAdded:
		return "NodeAdded"
	case EventNodeRemoved:
		return "NodeRemoved"
	case EventLinkAdded:
		return "LinkAdded"
	case EventLinkRemoved:
		return "LinkRemoved"
	case EventMeter:
		return "MeterUpdate"
	case EventConnectionChanged:
		return "ConnectionChanged"
	case EventError:
		return "ErrorOccurred"
	case EventStreamRouted:
		return "StreamRouted"
	case EventStreamUnrouted:
		return "StreamUnrouted"
	default:
		return "Unknown"
	}
}

// Event is something observers may want to know about. Which fields are
// set depends on Kind.
type Event struct {
	Kind      EventKind
	ChannelID string

	Channel  *ChannelInfo
	Endpoint *EndpointInfo
	Node     *graph.Node
	Link     *graph.Link
	Stream   *StreamInfo
	Meter    realtime.MeterSample
	State    ConnState

	Err error
}

const defaultSubscriberBuffer = 128

// EventBus fans events out to subscribers. Publishing never blocks: a
// subscriber that doesn't keep up loses events.
type EventBus struct {
	logger *zap.SugaredLogger

	lock        sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
	closed      bool

	dropped atomic.Uint64
}

func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	logger = logger.Named("events")

	b := &EventBus{
		logger:      logger,
		subscribers: make(map[uint64]chan Event),
	}

	logger.Debug("Created event bus instance")

	return b
}

// Subscribe returns an event stream and the function that ends it
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	c := make(chan Event, buffer)
	if b.closed {
		close(c)
		return c, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = c

	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.lock.Lock()
			defer b.lock.Unlock()

			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

func (b *EventBus) Publish(e Event) {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, c := range b.subscribers {
		select {
		case c <- e:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.logger.Debugw("Subscriber is not keeping up, dropping events", "dropped", n)
			}
		}
	}
}

// Close ends every subscription
func (b *EventBus) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.closed = true
	for id, c := range b.subscribers {
		delete(b.subscribers, id)
		close(c)
	}
}
