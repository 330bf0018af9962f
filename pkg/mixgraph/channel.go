package mixgraph

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/server"
)

const (
	maxNameLength = 128
	maxIDLength   = 64

	channelCount = 2
)

// ChannelConfig declares a channel, either in config.yaml or through the API
type ChannelConfig struct {
	ID       string         `mapstructure:"id"`
	Name     string         `mapstructure:"name"`
	Kind     string         `mapstructure:"kind"`
	VolumeDB float32        `mapstructure:"volume_db"`
	Muted    bool           `mapstructure:"muted"`
	Device   string         `mapstructure:"device"`
	Rules    []RuleConfig   `mapstructure:"rules"`
	Plugins  []PluginConfig `mapstructure:"plugins"`
}

type RuleConfig struct {
	Pattern string `mapstructure:"pattern"`
	Kind    string `mapstructure:"kind"`
	Target  string `mapstructure:"target"`
}

// PluginConfig is one chain entry. Params are keyed by parameter id.
type PluginConfig struct {
	ID     string             `mapstructure:"id"`
	Params map[string]float32 `mapstructure:"params"`
}

func (rc RuleConfig) rule() (routing.Rule, error) {
	kind, err := routing.ParseMatchKind(rc.Kind)
	if err != nil {
		return routing.Rule{}, err
	}
	target, err := routing.ParseMatchTarget(rc.Target)
	if err != nil {
		return routing.Rule{}, err
	}
	return routing.Rule{Pattern: rc.Pattern, Kind: kind, Target: target}, nil
}

func rulesFromConfig(configs []RuleConfig) ([]routing.Rule, error) {
	rules := make([]routing.Rule, 0, len(configs))
	for _, rc := range configs {
		r, err := rc.rule()
		if err != nil {
			return nil, errkind.New(errkind.InvalidArgument, "parse rule", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ChannelInfo is a snapshot of a channel for API callers
type ChannelInfo struct {
	ID       string
	Name     string
	Kind     routing.ChannelKind
	VolumeDB float32
	Muted    bool
	Device   string
	Rules    []routing.Rule
	Plugins  []PluginSlot
	Endpoint EndpointInfo
}

type PluginSlot struct {
	Handle   plugins.Handle
	PluginID string
	State    plugins.State
	// Latency is the delay the plugin adds, in frames
	Latency int
}

// EndpointInfo describes where a channel's endpoint is in its lifecycle
type EndpointInfo struct {
	State  endpoint.State
	NodeID uint32
	Pid    int
	// Lost is set after the helper died on its own
	Lost  bool
	Error string
}

type pluginSlot struct {
	handle   plugins.Handle
	pluginID string
}

// MixerChannel is owned by the graph loop. Params and the published chain
// are the only parts other goroutines touch.
type MixerChannel struct {
	ID     string
	Name   string
	Kind   routing.ChannelKind
	Device string

	Params *realtime.ChannelParams
	Meter  *realtime.MeterRing

	slots []pluginSlot
	// chain is what the tap runs, republished whenever slots change
	chain atomic.Pointer[[]plugins.Handle]

	// declared is the config.yaml entry the channel came from, nil for
	// channels created through the API
	declared *ChannelConfig

	spawning     bool
	endpointLost bool
	endpointErr  error
	waiters      []chan error

	tap           server.Tap
	tapNode       uint32
	tapProcessing bool
	tapFailedNode uint32

	appliedGeneration uint64
	volumeApplied     bool
}

func newMixerChannel(id, name string, kind routing.ChannelKind, volumeDB float32, muted bool, meterCapacity int) *MixerChannel {
	if name == "" {
		name = id
	}

	ch := &MixerChannel{
		ID:     id,
		Name:   name,
		Kind:   kind,
		Params: realtime.NewChannelParams(volumeDB, muted),
		Meter:  realtime.NewMeterRing(meterCapacity),
	}
	ch.publishChain()

	return ch
}

func (ch *MixerChannel) endpointKind() endpoint.Kind {
	if ch.Kind == routing.KindSource {
		return endpoint.KindSource
	}
	return endpoint.KindSink
}

func (ch *MixerChannel) nodeName() string {
	return endpoint.NodeName(ch.ID)
}

func (ch *MixerChannel) publishChain() {
	handles := make([]plugins.Handle, len(ch.slots))
	for i, s := range ch.slots {
		handles[i] = s.handle
	}
	ch.chain.Store(&handles)
}

// wantsProcessing reports whether the channel's audio has to go through the
// tap instead of the bridge link
func (ch *MixerChannel) wantsProcessing() bool {
	return ch.Kind == routing.KindSink && len(ch.slots) > 0
}

func (ch *MixerChannel) slotIndex(handle plugins.Handle) int {
	for i, s := range ch.slots {
		if s.handle == handle {
			return i
		}
	}
	return -1
}

func (ch *MixerChannel) resolveWaiters(err error) {
	for _, w := range ch.waiters {
		w <- err
	}
	ch.waiters = nil
}

// processor builds the tap callback running the chain in place. It keeps its
// own scratch so the audio path never allocates.
func (ch *MixerChannel) processor(host *plugins.Host, blockSize int) func([][]float32) {
	scratch := make([][]float32, channelCount)
	for c := range scratch {
		scratch[c] = make([]float32, blockSize)
	}
	view := make([][]float32, channelCount)

	return func(buf [][]float32) {
		handles := *ch.chain.Load()
		if len(handles) == 0 || len(buf) != channelCount {
			return
		}
		for c := range view {
			view[c] = scratch[c][:len(buf[c])]
		}
		_ = host.ProcessChain(handles, buf, view)
	}
}

// validateID keeps channel ids usable as node name suffixes and D-Bus strings
func validateID(id string) error {
	if id == "" {
		return errkind.Newf(errkind.InvalidArgument, "validate channel id", "id is empty")
	}
	if len(id) > maxIDLength {
		return errkind.Newf(errkind.InvalidArgument, "validate channel id", "id is longer than %d characters", maxIDLength)
	}
	for _, r := range id {
		if r != '_' && r != '-' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return errkind.Newf(errkind.InvalidArgument, "validate channel id", "%q may only contain letters, digits, '-' and '_'", id)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errkind.Newf(errkind.InvalidArgument, "validate name", "name is empty")
	}
	if len([]rune(name)) > maxNameLength {
		return errkind.Newf(errkind.InvalidArgument, "validate name", "name is longer than %d characters", maxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errkind.Newf(errkind.InvalidArgument, "validate name", "name contains control characters")
		}
	}
	return nil
}

func validateVolume(db float64) error {
	if math.IsNaN(db) || math.IsInf(db, 0) {
		return errkind.New(errkind.InvalidArgument, "validate volume", fmt.Errorf("volume %v is not finite", db))
	}
	return nil
}

func (cc *ChannelConfig) validate() error {
	if err := validateID(cc.ID); err != nil {
		return err
	}
	if cc.Name != "" {
		if err := validateName(cc.Name); err != nil {
			return err
		}
	}
	if err := validateVolume(float64(cc.VolumeDB)); err != nil {
		return err
	}
	if _, err := routing.ParseChannelKind(cc.Kind); err != nil {
		return errkind.New(errkind.InvalidArgument, "validate channel kind", err)
	}
	return nil
}

// paramsIndex lets API goroutines reach a channel's parameters without a
// round trip through the loop
type paramsIndex struct {
	lock   sync.RWMutex
	params map[string]*realtime.ChannelParams
}

func newParamsIndex() *paramsIndex {
	return &paramsIndex{params: make(map[string]*realtime.ChannelParams)}
}

func (pi *paramsIndex) get(channelID string) (*realtime.ChannelParams, bool) {
	pi.lock.RLock()
	defer pi.lock.RUnlock()

	p, ok := pi.params[channelID]
	return p, ok
}

func (pi *paramsIndex) put(channelID string, p *realtime.ChannelParams) {
	pi.lock.Lock()
	defer pi.lock.Unlock()

	pi.params[channelID] = p
}

func (pi *paramsIndex) remove(channelID string) {
	pi.lock.Lock()
	defer pi.lock.Unlock()

	delete(pi.params, channelID)
}
