// Package plugins hosts effect units: builtin effects compiled into the
// daemon and Go plugin shared objects found on disk.
package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// HostABI is the plugin interface version this host implements. Plugins must
// match the major version and may not require a newer minor one.
var HostABI = ABIVersion{Major: 1, Minor: 0}

// EntrySymbol is the symbol native plugins export, of type func() Entry
const EntrySymbol = "MixgraphPlugin"

type ABIVersion struct {
	Major uint16 `toml:"major"`
	Minor uint16 `toml:"minor"`
}

func (v ABIVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// CompatibleWith reports whether a plugin built against v can run on host
func (v ABIVersion) CompatibleWith(host ABIVersion) bool {
	return v.Major == host.Major && v.Minor <= host.Minor
}

// Kind is the closed set of plugin flavours the host knows how to run
type Kind int

const (
	KindBuiltin Kind = iota
	KindNative
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindNative:
		return "native"
	default:
		return "unknown"
	}
}

type Capability uint32

const (
	CapState Capability = 1 << iota
	CapLatency
)

func parseCapabilities(names []string) (Capability, error) {
	var caps Capability
	for _, name := range names {
		switch strings.ToLower(name) {
		case "state":
			caps |= CapState
		case "latency":
			caps |= CapLatency
		default:
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}
	return caps, nil
}

type State int

const (
	StateDiscovered State = iota
	StateValidated
	StateRejected
	StateLoaded
	StateActive
	StateDeactivated
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateDeactivated:
		return "deactivated"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Info identifies a plugin implementation
type Info struct {
	ID       string
	Name     string
	Vendor   string
	Version  string
	Inputs   int
	Outputs  int
	Features Capability
}

// Descriptor is what discovery knows about a plugin without running any of its code
type Descriptor struct {
	Info
	Kind Kind
	Path string
	ABI  ABIVersion

	State        State
	RejectReason string
}

type ParameterInfo struct {
	Index   int
	ID      string
	Name    string
	Unit    string
	Min     float32
	Max     float32
	Default float32
}

func (p ParameterInfo) Clamp(v float32) float32 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

type ParameterValue struct {
	ParameterInfo
	Value float32
}

// Effect is implemented by every plugin. Process runs on the audio path: it
// must not block or allocate.
type Effect interface {
	Parameters() []ParameterInfo
	Activate(sampleRate float64, maxBlockSize int) error
	Deactivate()
	Process(in, out [][]float32) error
	Parameter(index int) float32
	SetParameter(index int, value float32)
	SaveState() ([]byte, error)
	LoadState(data []byte) error
	Reset()
	Latency() int
}

// Entry is returned by a native plugin's exported MixgraphPlugin function
type Entry struct {
	ABI  ABIVersion
	Info Info
	New  func() Effect
}

// Handle refers to one loaded instance
type Handle uint64

var (
	ErrBusy          = errors.New("plugin host busy")
	ErrNotActive     = errors.New("plugin instance is not active")
	ErrUnloaded      = errors.New("plugin instance was unloaded")
	ErrUnknownHandle = errors.New("unknown plugin handle")
	ErrBufferShape   = errors.New("buffer shape does not match plugin")
)
