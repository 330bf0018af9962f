package mixgraph

import (
	"context"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
)

// StreamInfo is an application stream as the graph currently shows it
type StreamInfo struct {
	NodeID  uint32
	Name    string
	AppName string
	Binary  string
	Kind    routing.ChannelKind
	// ChannelID is the channel the stream is pinned to, empty when unrouted
	ChannelID string
}

// DeviceInfo is a hardware sink or source a channel can be sent to
type DeviceInfo struct {
	NodeID      uint32
	Name        string
	Description string
	Kind        routing.ChannelKind
	Default     bool
}

func (l *GraphLoop) streamInfo(node *graph.Node) StreamInfo {
	kind := routing.KindSink
	if node.MediaClass == graph.MediaClassStreamInput {
		kind = routing.KindSource
	}

	return StreamInfo{
		NodeID:    node.ID,
		Name:      node.Name,
		AppName:   node.AppName,
		Binary:    node.Binary,
		Kind:      kind,
		ChannelID: l.targets[node.ID],
	}
}

func (l *GraphLoop) streams() []StreamInfo {
	list := make([]StreamInfo, 0)
	for _, node := range l.mirror.Nodes() {
		if !node.IsAudioStream() || l.routes.Ignores(node) {
			continue
		}
		list = append(list, l.streamInfo(node))
	}
	return list
}

func (l *GraphLoop) devices() []DeviceInfo {
	defaults := l.mirror.Defaults()

	list := make([]DeviceInfo, 0)
	for _, node := range l.mirror.Nodes() {
		if node.Category != graph.CategoryDevice {
			continue
		}

		var kind routing.ChannelKind
		switch node.MediaClass {
		case graph.MediaClassSink:
			kind = routing.KindSink
		case graph.MediaClassSource:
			kind = routing.KindSource
		default:
			continue
		}

		list = append(list, DeviceInfo{
			NodeID:      node.ID,
			Name:        node.Name,
			Description: node.Description,
			Kind:        kind,
			Default:     node.Name == defaults.Sink || node.Name == defaults.Source,
		})
	}
	return list
}

// publishRouting announces that a stream was pinned to, or released from,
// a channel
func (l *GraphLoop) publishRouting(kind EventKind, streamID uint32, channelID string) {
	info := StreamInfo{NodeID: streamID}
	if node, ok := l.mirror.Node(streamID); ok {
		info = l.streamInfo(node)
	}
	info.ChannelID = ""
	if kind == EventStreamRouted {
		info.ChannelID = channelID
	}

	l.bus.Publish(Event{Kind: kind, ChannelID: channelID, Stream: &info})
}

// ListStreams returns the application streams in the graph, daemon's own excluded
func (d *Daemon) ListStreams(ctx context.Context) ([]StreamInfo, error) {
	var list []StreamInfo
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		list = l.streams()
		return nil
	})
	return list, err
}

// ListDevices returns the sinks and sources SetDevice accepts
func (d *Daemon) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var list []DeviceInfo
	err := d.loop.Do(ctx, func(l *GraphLoop) error {
		list = l.devices()
		return nil
	})
	return list, err
}
