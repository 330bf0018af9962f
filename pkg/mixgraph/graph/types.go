// Package graph mirrors the audio server's object graph.
package graph

import (
	"strings"
)

// Properties the daemon stamps on the nodes of its own virtual endpoints
const (
	PropChannel = "mixgraph.channel"
	PropRole    = "mixgraph.role"

	RoleEndpoint = "endpoint"
	RoleBridge   = "bridge"
)

const (
	MediaClassSink         = "Audio/Sink"
	MediaClassSource       = "Audio/Source"
	MediaClassStreamOutput = "Stream/Output/Audio"
	MediaClassStreamInput  = "Stream/Input/Audio"
)

type Category int

const (
	CategoryUnknown Category = iota
	CategoryDevice
	CategoryStream
	CategoryVirtual
)

func (c Category) String() string {
	switch c {
	case CategoryDevice:
		return "device"
	case CategoryStream:
		return "stream"
	case CategoryVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// Position is a channel position as the server spells it (FL, FR, MONO, ...)
type Position string

const (
	PositionUnknown Position = ""
	PositionMono    Position = "MONO"
	PositionFL      Position = "FL"
	PositionFR      Position = "FR"
	PositionFC      Position = "FC"
	PositionLFE     Position = "LFE"
	PositionRL      Position = "RL"
	PositionRR      Position = "RR"
	PositionSL      Position = "SL"
	PositionSR      Position = "SR"
)

var positionOrder = map[Position]int{
	PositionMono: 0,
	PositionFL:   1,
	PositionFR:   2,
	PositionFC:   3,
	PositionLFE:  4,
	PositionRL:   5,
	PositionRR:   6,
	PositionSL:   7,
	PositionSR:   8,
}

// Rank orders positions the way the server lays out ports
func (p Position) Rank() int {
	if r, ok := positionOrder[p]; ok {
		return r
	}
	return len(positionOrder)
}

// ParsePosition reads a position from audio.channel or, failing that, from
// the suffix of a port name such as "playback_FL" or "capture_MONO".
func ParsePosition(audioChannel, portName string) Position {
	if audioChannel != "" {
		return normalizePosition(audioChannel)
	}

	if idx := strings.LastIndexAny(portName, "_:"); idx >= 0 {
		return normalizePosition(portName[idx+1:])
	}
	return PositionUnknown
}

func normalizePosition(raw string) Position {
	p := Position(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := positionOrder[p]; ok {
		return p
	}
	return PositionUnknown
}

type Node struct {
	ID          uint32
	Name        string
	Description string
	MediaClass  string
	AppName     string
	Binary      string
	Category    Category

	// Pid is the owning client's process, zero when the server didn't say
	Pid int

	// set on the daemon's own endpoint nodes
	ChannelID string
	Role      string

	Ports []uint32
}

// IsAudioStream reports whether the node is an application playing or recording audio
func (n *Node) IsAudioStream() bool {
	return n.Category == CategoryStream
}

type Port struct {
	ID        uint32
	NodeID    uint32
	Name      string
	Direction Direction
	Position  Position
	Monitor   bool
}

type Link struct {
	ID         uint32
	OutputNode uint32
	OutputPort uint32
	InputNode  uint32
	InputPort  uint32
}

// PortPair identifies a link by its endpoints
type PortPair struct {
	Output uint32
	Input  uint32
}

func (l *Link) Pair() PortPair {
	return PortPair{Output: l.OutputPort, Input: l.InputPort}
}

// Defaults are the server's current default devices, by node name
type Defaults struct {
	Sink   string
	Source string
}

// Classify derives a node's category from its media class and our own tag
func Classify(mediaClass string, props map[string]string) Category {
	if props[PropChannel] != "" {
		return CategoryVirtual
	}

	switch mediaClass {
	case MediaClassStreamOutput, MediaClassStreamInput:
		return CategoryStream
	case MediaClassSink, MediaClassSource:
		return CategoryDevice
	default:
		if strings.HasPrefix(mediaClass, "Audio/") {
			return CategoryDevice
		}
		return CategoryUnknown
	}
}
