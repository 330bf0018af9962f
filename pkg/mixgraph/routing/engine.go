package routing

import (
	"fmt"
	"sort"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
)

// ChannelKind says which way audio flows through a channel
type ChannelKind int

const (
	// KindSink collects application playback
	KindSink ChannelKind = iota
	// KindSource feeds application recording
	KindSource
)

func (k ChannelKind) String() string {
	if k == KindSource {
		return "source"
	}
	return "sink"
}

func ParseChannelKind(s string) (ChannelKind, error) {
	switch s {
	case "", "sink":
		return KindSink, nil
	case "source":
		return KindSource, nil
	default:
		return 0, fmt.Errorf("unknown channel kind %q", s)
	}
}

// Engine holds every channel's rules in declaration order
type Engine struct {
	logger *zap.SugaredLogger

	channels []string
	rules    map[string][]compiledRule
	nextSeq  uint64

	// application names whose streams are never routed
	ignored []string
}

func NewEngine(logger *zap.SugaredLogger) *Engine {
	logger = logger.Named("routing")

	e := &Engine{
		logger: logger,
		rules:  make(map[string][]compiledRule),
	}

	logger.Debug("Created routing engine instance")

	return e
}

// SetRules replaces a channel's rules. Nothing changes if any rule is invalid.
// A rule the channel already holds keeps its declaration order.
func (e *Engine) SetRules(channelID string, rules []Rule) error {
	held := make(map[Rule]uint64, len(e.rules[channelID]))
	for _, existing := range e.rules[channelID] {
		held[existing.Rule] = existing.seq
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			e.logger.Warnw("Rejected routing rule", "channel", channelID, "rule", r, "error", err)
			return fmt.Errorf("compile rule for channel %s: %w", channelID, err)
		}
		c.channelID = channelID
		compiled = append(compiled, c)
	}

	for i := range compiled {
		if seq, ok := held[compiled[i].Rule]; ok {
			compiled[i].seq = seq
			delete(held, compiled[i].Rule)
			continue
		}
		compiled[i].seq = e.nextSeq
		e.nextSeq++
	}

	if !funk.ContainsString(e.channels, channelID) {
		e.channels = append(e.channels, channelID)
	}
	e.rules[channelID] = compiled

	return nil
}

// AddRule appends a rule; adding an identical rule twice is a no-op
func (e *Engine) AddRule(channelID string, r Rule) error {
	for _, existing := range e.rules[channelID] {
		if existing.Rule == r {
			return nil
		}
	}

	c, err := compile(r)
	if err != nil {
		return fmt.Errorf("compile rule for channel %s: %w", channelID, err)
	}
	c.channelID = channelID
	c.seq = e.nextSeq
	e.nextSeq++

	if !funk.ContainsString(e.channels, channelID) {
		e.channels = append(e.channels, channelID)
	}
	e.rules[channelID] = append(e.rules[channelID], c)

	return nil
}

// RemoveRule drops every rule of the channel with the given pattern
func (e *Engine) RemoveRule(channelID, pattern string) bool {
	rules := e.rules[channelID]
	kept := rules[:0]
	for _, r := range rules {
		if r.Pattern != pattern {
			kept = append(kept, r)
		}
	}
	e.rules[channelID] = kept
	return len(kept) != len(rules)
}

func (e *Engine) RemoveChannel(channelID string) {
	delete(e.rules, channelID)
	for i, id := range e.channels {
		if id == channelID {
			e.channels = append(e.channels[:i], e.channels[i+1:]...)
			return
		}
	}
}

func (e *Engine) Rules(channelID string) []Rule {
	rules := make([]Rule, 0, len(e.rules[channelID]))
	for _, r := range e.rules[channelID] {
		rules = append(rules, r.Rule)
	}
	return rules
}

// Select picks the channel for a stream: literal beats glob beats regex and
// among equals the earliest declared rule wins. eligible may be nil.
func (e *Engine) Select(s Stream, eligible func(channelID string) bool) (string, Rule, bool) {
	var best *compiledRule

	for _, channelID := range e.channels {
		if eligible != nil && !eligible(channelID) {
			continue
		}

		rules := e.rules[channelID]
		for i := range rules {
			r := &rules[i]
			if !r.matches(s) {
				continue
			}
			if best == nil || r.Kind < best.Kind || (r.Kind == best.Kind && r.seq < best.seq) {
				best = r
			}
		}
	}

	if best == nil {
		return "", Rule{}, false
	}
	return best.channelID, best.Rule, true
}

// Target is a channel as the graph currently realizes it. Endpoint is zero
// until the channel's node is bound.
type Target struct {
	ChannelID string
	Kind      ChannelKind
	Endpoint  uint32
	Bridge    uint32

	// Device is the node name the bridge connects to, empty for the server default
	Device string
	// LinkBridge is false when something else carries the channel's audio out
	LinkBridge bool
}

// DesiredLink is one link the plan wants to exist
type DesiredLink struct {
	graph.PortPair
	OutputNode uint32
	InputNode  uint32
	ChannelID  string
	Kind       ChannelKind
}

// exclusive is the node whose audio belongs to the channel alone: the
// feeding side of a sink channel, the receiving side of a source channel
func (l DesiredLink) exclusive() (node uint32, dir graph.Direction) {
	if l.Kind == KindSource {
		return l.InputNode, graph.DirectionIn
	}
	return l.OutputNode, graph.DirectionOut
}

type Plan struct {
	Links []DesiredLink
	// Routed maps stream node ids to the channel they were assigned
	Routed map[uint32]string
}

// Ignore excludes streams of the named applications from routing, so the
// daemon never captures its own streams
func (e *Engine) Ignore(appNames ...string) {
	e.ignored = funk.UniqString(append(e.ignored, appNames...))
}

// Ignores reports whether the node belongs to an ignored application
func (e *Engine) Ignores(n *graph.Node) bool {
	return funk.ContainsString(e.ignored, n.AppName) || funk.ContainsString(e.ignored, n.Binary)
}

// Plan computes every link the current rules want, from the mirror alone
func (e *Engine) Plan(m *graph.Mirror, targets []Target) Plan {
	plan := Plan{Routed: make(map[uint32]string)}

	byChannel := make(map[string]Target, len(targets))
	for _, t := range targets {
		byChannel[t.ChannelID] = t
	}

	for _, node := range m.Nodes() {
		if !node.IsAudioStream() || e.Ignores(node) {
			continue
		}

		kind := KindSink
		if node.MediaClass == graph.MediaClassStreamInput {
			kind = KindSource
		}

		channelID, _, ok := e.Select(streamOf(node), func(id string) bool {
			t, known := byChannel[id]
			return known && t.Kind == kind
		})
		if !ok {
			continue
		}

		target := byChannel[channelID]
		if target.Endpoint == 0 {
			continue
		}

		plan.Routed[node.ID] = channelID
		if kind == KindSink {
			plan.addLinks(m, node.ID, target.Endpoint, target)
		} else {
			plan.addLinks(m, target.Endpoint, node.ID, target)
		}
	}

	defaults := m.Defaults()
	for _, t := range targets {
		if !t.LinkBridge || t.Bridge == 0 {
			continue
		}

		deviceName := t.Device
		if deviceName == "" {
			if t.Kind == KindSink {
				deviceName = defaults.Sink
			} else {
				deviceName = defaults.Source
			}
		}

		device, ok := m.NodeByName(deviceName)
		if !ok || device.Category != graph.CategoryDevice {
			continue
		}

		if t.Kind == KindSink {
			plan.addLinks(m, t.Bridge, device.ID, t)
		} else {
			plan.addLinks(m, device.ID, t.Bridge, t)
		}
	}

	return plan
}

func (p *Plan) addLinks(m *graph.Mirror, outNode, inNode uint32, t Target) {
	for _, pair := range PairPorts(m.Ports(outNode, graph.DirectionOut), m.Ports(inNode, graph.DirectionIn)) {
		p.Links = append(p.Links, DesiredLink{
			PortPair:   pair,
			OutputNode: outNode,
			InputNode:  inNode,
			ChannelID:  t.ChannelID,
			Kind:       t.Kind,
		})
	}
}

// Missing returns the desired links the mirror does not have yet
func (p *Plan) Missing(m *graph.Mirror) []DesiredLink {
	var missing []DesiredLink
	for _, l := range p.Links {
		if _, ok := m.LinkBetween(l.PortPair); !ok {
			missing = append(missing, l)
		}
	}
	return missing
}

// Foreign returns links that carry a routed node's audio anywhere the plan
// doesn't, such as the session manager's default links of a stream that
// was just moved into a channel
func (p *Plan) Foreign(m *graph.Mirror) []*graph.Link {
	desired := make(map[graph.PortPair]struct{}, len(p.Links))
	outs := make(map[uint32]struct{})
	ins := make(map[uint32]struct{})

	for _, l := range p.Links {
		desired[l.PortPair] = struct{}{}
		node, dir := l.exclusive()
		if dir == graph.DirectionOut {
			outs[node] = struct{}{}
		} else {
			ins[node] = struct{}{}
		}
	}

	var foreign []*graph.Link
	for _, link := range m.Links() {
		if _, ok := desired[link.Pair()]; ok {
			continue
		}
		_, fromRouted := outs[link.OutputNode]
		_, toRouted := ins[link.InputNode]
		if fromRouted || toRouted {
			foreign = append(foreign, link)
		}
	}
	return foreign
}

func streamOf(n *graph.Node) Stream {
	name := n.AppName
	if name == "" {
		name = n.Name
	}
	return Stream{Name: name, Binary: n.Binary}
}

// PairPorts links outputs to inputs by channel position. A lone mono port on
// either side fans out to every port on the other. Ports with positions
// that don't line up are paired by order as a last resort.
func PairPorts(outs, ins []*graph.Port) []graph.PortPair {
	if len(outs) == 0 || len(ins) == 0 {
		return nil
	}

	var pairs []graph.PortPair

	if len(outs) == 1 && outs[0].Position == graph.PositionMono {
		for _, in := range ins {
			pairs = append(pairs, graph.PortPair{Output: outs[0].ID, Input: in.ID})
		}
		return pairs
	}

	if len(ins) == 1 && ins[0].Position == graph.PositionMono {
		for _, out := range outs {
			pairs = append(pairs, graph.PortPair{Output: out.ID, Input: ins[0].ID})
		}
		return pairs
	}

	for _, out := range outs {
		if out.Position == graph.PositionUnknown {
			continue
		}
		for _, in := range ins {
			if in.Position == out.Position {
				pairs = append(pairs, graph.PortPair{Output: out.ID, Input: in.ID})
			}
		}
	}
	if len(pairs) > 0 {
		return pairs
	}

	sortedOuts := append([]*graph.Port(nil), outs...)
	sortedIns := append([]*graph.Port(nil), ins...)
	sort.Slice(sortedOuts, func(i, j int) bool { return sortedOuts[i].ID < sortedOuts[j].ID })
	sort.Slice(sortedIns, func(i, j int) bool { return sortedIns[i].ID < sortedIns[j].ID })

	for i := 0; i < len(sortedOuts) && i < len(sortedIns); i++ {
		pairs = append(pairs, graph.PortPair{Output: sortedOuts[i].ID, Input: sortedIns[i].ID})
	}
	return pairs
}
