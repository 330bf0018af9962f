// Package endpoint manages the helper processes that back each channel's
// virtual sink or source.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
)

const (
	DefaultHelperBinary = "pw-loopback"

	nodePrefix = "mixgraph."
)

// Kind is the side of the graph the endpoint appears on
type Kind int

const (
	KindSink Kind = iota
	KindSource
)

func (k Kind) String() string {
	if k == KindSource {
		return "source"
	}
	return "sink"
}

// Spec describes the endpoint a channel wants
type Spec struct {
	ChannelID   string
	Description string
	Kind        Kind
}

// NodeName is the node.name of the endpoint applications see
func NodeName(channelID string) string {
	return nodePrefix + sanitize(channelID)
}

// BridgeName is the node.name of the loopback's other side
func BridgeName(channelID string, kind Kind) string {
	if kind == KindSource {
		return "input." + NodeName(channelID)
	}
	return "output." + NodeName(channelID)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// helperArgs builds the pw-loopback command line. The endpoint side carries
// the channel's visible node; the bridge side is linked by the daemon itself
// and never autoconnected.
func helperArgs(spec Spec) []string {
	node := NodeName(spec.ChannelID)
	description := spec.Description
	if description == "" {
		description = spec.ChannelID
	}

	tags := []string{
		prop(graph.PropChannel, sanitize(spec.ChannelID)),
		"audio.position=[FL FR]",
	}

	endpointProps := append([]string{
		prop("node.name", node),
		prop("node.description", strconv.Quote(description)),
		"priority.session=2000",
		prop(graph.PropRole, graph.RoleEndpoint),
	}, tags...)

	bridgeProps := append([]string{
		prop("node.name", BridgeName(spec.ChannelID, spec.Kind)),
		"node.autoconnect=false",
		"node.passive=true",
		prop(graph.PropRole, graph.RoleBridge),
	}, tags...)

	var capture, playback []string
	if spec.Kind == KindSource {
		capture = append([]string{prop("media.class", graph.MediaClassStreamInput)}, bridgeProps...)
		playback = append([]string{
			prop("media.class", graph.MediaClassSource),
			"node.virtual=false",
			"device.class=audio-input",
		}, endpointProps...)
	} else {
		// the monitor tap must see the channel's volume applied
		capture = append([]string{
			prop("media.class", graph.MediaClassSink),
			"monitor.channel-volumes=true",
		}, endpointProps...)
		playback = append([]string{prop("media.class", graph.MediaClassStreamOutput)}, bridgeProps...)
	}

	return []string{
		"--name", node,
		"--capture-props", strings.Join(capture, " "),
		"--playback-props", strings.Join(playback, " "),
	}
}

func prop(key, value string) string {
	return fmt.Sprintf("%s=%s", key, value)
}
