package mixgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/server"
)

// ConnState is the loop's view of the audio server connection
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateStopped
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

const (
	commandBacklog = 64

	defaultBackoffMin   = 2 * time.Second
	defaultBackoffMax   = 30 * time.Second
	defaultTickInterval = 250 * time.Millisecond
	defaultOpTimeout    = 5 * time.Second
	defaultSampleRate   = 48000
	defaultBlockSize    = 512

	// a requested link that hasn't shown up by then may be requested again
	pendingLinkTimeout = 5 * time.Second

	// updates applied before routing is re-evaluated
	maxUpdateBatch = 512
)

type LoopConfig struct {
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	TickInterval time.Duration
	// OpTimeout bounds every call into the audio server
	OpTimeout time.Duration

	SampleRate    int
	BlockSize     int
	MeterCapacity int
}

func (c *LoopConfig) setDefaults() {
	if c.BackoffMin <= 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = defaultBackoffMax
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.MeterCapacity <= 0 {
		c.MeterCapacity = defaultMeterCapacity
	}
}

type loopParts struct {
	server    AudioServer
	endpoints *endpoint.Manager
	routes    *routing.Engine
	host      *plugins.Host
	bus       *EventBus
	meters    *meterForwarder
	states    *stateStore
}

// GraphLoop owns the server connection, the mirror and every channel. All
// graph changes go through its goroutine; other goroutines talk to it with
// commands.
type GraphLoop struct {
	logger *zap.SugaredLogger
	config LoopConfig
	loopParts

	commands chan command
	done     chan struct{}
	runCtx   context.Context
	workers  *workerPool
	now      func() time.Time

	params *paramsIndex

	mirror  *graph.Mirror
	updates <-chan graph.Update
	state   ConnState
	backoff time.Duration
	retry   *time.Timer

	channels map[string]*MixerChannel
	order    []string

	// links requested but not yet confirmed, and links this loop created
	pending map[graph.PortPair]time.Time
	owned   map[graph.PortPair]string
	// objects we asked the server to destroy
	doomed map[uint32]time.Time
	// channels whose node we set as target.object, by stream node
	targets map[uint32]string

	reconciled bool
	dirty      bool
}

func newGraphLoop(logger *zap.SugaredLogger, config LoopConfig, parts loopParts) *GraphLoop {
	logger = logger.Named("loop")

	config.setDefaults()

	l := &GraphLoop{
		logger:    logger,
		config:    config,
		loopParts: parts,
		commands:  make(chan command, commandBacklog),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		now:       time.Now,
		params:    newParamsIndex(),
		mirror:    graph.NewMirror(),
		state:     StateConnecting,
		backoff:   config.BackoffMin,
		channels:  make(map[string]*MixerChannel),
	}
	l.resetConnectionState()

	// never route our own tap streams
	l.routes.Ignore(server.ClientName)

	logger.Debug("Created graph loop instance")

	return l
}

// Run drives the loop until ctx is done. It returns after helpers have been
// terminated and plugin state has been written.
func (l *GraphLoop) Run(ctx context.Context) {
	defer close(l.done)

	l.runCtx = ctx
	l.workers = newWorkerPool(ctx, l.logger, defaultWorkers)

	l.logger.Info("Graph loop starting")

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	l.connect(ctx)

	for {
		var retry <-chan time.Time
		if l.retry != nil {
			retry = l.retry.C
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return

		case cmd := <-l.commands:
			cmd.apply(l)

		case u, ok := <-l.updates:
			if !ok {
				l.connectionLost()
				break
			}
			l.applyUpdate(u)
			l.drainUpdates()

		case exit := <-l.endpoints.Exits():
			l.endpointExited(exit)

		case <-retry:
			l.retry = nil
			l.connect(ctx)

		case <-ticker.C:
			l.tick()
		}

		if l.dirty && l.state == StateConnected && l.mirror.Synced() {
			l.dirty = false
			l.reconcile(ctx)
		}
	}
}

// Done is closed once Run has returned
func (l *GraphLoop) Done() <-chan struct{} {
	return l.done
}

func (l *GraphLoop) State() ConnState {
	return l.state
}

func (l *GraphLoop) setState(state ConnState) {
	if l.state == state {
		return
	}

	l.logger.Infow("Connection state changed", "from", l.state, "to", state)
	l.state = state
	l.bus.Publish(Event{Kind: EventConnectionChanged, State: state})
}

func (l *GraphLoop) connect(ctx context.Context) {
	updates, err := l.server.Connect(ctx)
	if err != nil {
		l.logger.Warnw("Failed to connect to audio server", "error", err, "retryIn", l.backoff)
		if errkind.KindOf(err) != errkind.ConnectionLost {
			err = errkind.New(errkind.ConnectionLost, "connect", err)
		}
		l.publishError("", err)
		l.scheduleRetry()
		return
	}

	l.updates = updates
	l.backoff = l.config.BackoffMin
	l.endpoints.UnbindAll()
	l.setState(StateConnected)

	l.replay(ctx)
}

func (l *GraphLoop) scheduleRetry() {
	l.retry = time.NewTimer(l.backoff)

	l.backoff *= 2
	if l.backoff > l.config.BackoffMax {
		l.backoff = l.config.BackoffMax
	}
}

// connectionLost discards everything that described the old session
func (l *GraphLoop) connectionLost() {
	l.logger.Warn("Lost connection to audio server")

	l.updates = nil
	l.mirror.Reset()
	l.resetConnectionState()
	l.endpoints.UnbindAll()

	for _, id := range l.order {
		ch := l.channels[id]
		l.closeTap(ch)
		ch.tapFailedNode = 0
		ch.volumeApplied = false
	}

	l.publishError("", errkind.ErrConnectionLost)
	l.setState(StateReconnecting)
	l.scheduleRetry()
}

func (l *GraphLoop) resetConnectionState() {
	l.pending = make(map[graph.PortPair]time.Time)
	l.owned = make(map[graph.PortPair]string)
	l.doomed = make(map[uint32]time.Time)
	l.targets = make(map[uint32]string)
	l.reconciled = false
}

// replay asks for every channel's endpoint again; links follow once the
// new snapshot is in
func (l *GraphLoop) replay(ctx context.Context) {
	l.logger.Debugw("Replaying channels", "count", len(l.order))

	for _, id := range l.order {
		l.ensureEndpoint(ctx, l.channels[id])
	}
	l.dirty = true
}

func (l *GraphLoop) drainUpdates() {
	for i := 0; i < maxUpdateBatch; i++ {
		select {
		case u, ok := <-l.updates:
			if !ok {
				l.connectionLost()
				return
			}
			l.applyUpdate(u)
		default:
			return
		}
	}
}

func (l *GraphLoop) applyUpdate(u graph.Update) {
	change := l.mirror.Apply(u)
	if change.Routing {
		l.dirty = true
	}

	if u.Kind == graph.UpdateSynced {
		nodes, ports, links := l.mirror.Len()
		l.logger.Infow("Graph snapshot received", "nodes", nodes, "ports", ports, "links", links)
	}

	if change.AddedNode != nil {
		node := *change.AddedNode
		l.bus.Publish(Event{Kind: EventNodeAdded, ChannelID: node.ChannelID, Node: &node})
	}
	if change.RemovedNode != nil {
		node := *change.RemovedNode
		delete(l.targets, node.ID)
		delete(l.doomed, node.ID)
		l.bus.Publish(Event{Kind: EventNodeRemoved, ChannelID: node.ChannelID, Node: &node})
	}
	if change.AddedLink != nil {
		link := *change.AddedLink
		delete(l.pending, link.Pair())
		l.bus.Publish(Event{Kind: EventLinkAdded, Link: &link})
	}
	for i := range change.RemovedLinks {
		link := change.RemovedLinks[i]
		delete(l.doomed, link.ID)
		l.bus.Publish(Event{Kind: EventLinkRemoved, Link: &link})
	}
	if u.Kind == graph.UpdateRemoved {
		delete(l.doomed, u.ID)
	}
}

// tick handles everything that depends on time passing
func (l *GraphLoop) tick() {
	now := l.now()

	// bind timeouts only run against a live graph
	var expired []endpoint.Endpoint
	if l.state == StateConnected && l.mirror.Synced() {
		expired = l.endpoints.Expired(now)
	}

	for _, ep := range expired {
		err := errkind.Newf(errkind.EndpointTimeout, "bind endpoint", "node for channel %s did not appear in time", ep.ChannelID)
		if ch, ok := l.channels[ep.ChannelID]; ok {
			ch.endpointErr = err
			ch.resolveWaiters(err)
			l.publishEndpoint(ch)
		}
		l.publishError(ep.ChannelID, err)
		l.terminate(ep)
	}

	for _, fault := range l.host.CollectFaults() {
		channelID := l.channelOfPlugin(fault.Handle)
		l.publishError(channelID, errkind.Newf(errkind.PluginFault, "process plugin", "%s %s", fault.PluginID, fault.Reason))
		if ch, ok := l.channels[channelID]; ok {
			l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: channelID, Channel: l.info(ch)})
		}
	}

	for pair, at := range l.pending {
		if now.Sub(at) > pendingLinkTimeout {
			delete(l.pending, pair)
			l.dirty = true
		}
	}
	for id, at := range l.doomed {
		if now.Sub(at) > pendingLinkTimeout {
			delete(l.doomed, id)
			l.dirty = true
		}
	}

	if l.state == StateConnected {
		for _, id := range l.order {
			l.applyParams(l.channels[id])
		}
	}
}

func (l *GraphLoop) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.config.OpTimeout)
}

// reconcile brings the graph in line with the channels. Every step is
// idempotent, so it runs whenever anything relevant changed.
func (l *GraphLoop) reconcile(ctx context.Context) {
	if !l.reconciled {
		l.reconcileOrphans(ctx)
		l.reconciled = true
	}

	targets := make([]routing.Target, 0, len(l.order))
	for _, id := range l.order {
		ch := l.channels[id]

		ep, bound := l.bindEndpoint(ch)
		l.syncTap(ch, ep, bound)
		if !bound {
			continue
		}

		target := routing.Target{
			ChannelID:  ch.ID,
			Kind:       ch.Kind,
			Endpoint:   ep.NodeID,
			Device:     ch.Device,
			LinkBridge: !(ch.tap != nil && ch.tapProcessing),
		}
		if bridge, ok := l.channelNode(ch.ID, graph.RoleBridge, ep.Pid); ok {
			target.Bridge = bridge.ID
		}
		targets = append(targets, target)

		l.applyParams(ch)
	}

	plan := l.routes.Plan(l.mirror, targets)

	incomplete := make(map[string]bool)
	for _, link := range plan.Missing(l.mirror) {
		if _, ok := l.pending[link.PortPair]; ok {
			incomplete[link.ChannelID] = true
			continue
		}
		if err := l.ensureLink(ctx, link); err != nil {
			incomplete[link.ChannelID] = true
		}
	}

	for _, link := range plan.Foreign(l.mirror) {
		l.destroy(ctx, link.ID, "foreign link")
	}

	l.dropStaleLinks(ctx, plan)
	l.syncTargets(ctx, plan)

	for _, t := range targets {
		if incomplete[t.ChannelID] {
			continue
		}
		if l.endpoints.Activate(t.ChannelID) {
			l.logger.Debugw("Endpoint active", "channel", t.ChannelID)
			l.publishEndpoint(l.channels[t.ChannelID])
		}
	}
}

// ensureLink requests one desired link unless it exists or is on its way
func (l *GraphLoop) ensureLink(ctx context.Context, link routing.DesiredLink) error {
	if _, ok := l.mirror.LinkBetween(link.PortPair); ok {
		return nil
	}
	if _, ok := l.pending[link.PortPair]; ok {
		return nil
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	if err := l.server.CreateLink(opCtx, link.Output, link.Input); err != nil {
		l.logger.Warnw("Failed to create link", "channel", link.ChannelID, "output", link.Output, "input", link.Input, "error", err)
		l.publishError(link.ChannelID, fmt.Errorf("create link %d -> %d: %w", link.Output, link.Input, err))
		return err
	}

	l.pending[link.PortPair] = l.now()
	l.owned[link.PortPair] = link.ChannelID
	return nil
}

func (l *GraphLoop) destroy(ctx context.Context, id uint32, what string) {
	if _, ok := l.doomed[id]; ok {
		return
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	if err := l.server.DestroyObject(opCtx, id); err != nil {
		l.logger.Warnw("Failed to destroy object", "id", id, "what", what, "error", err)
		return
	}
	l.logger.Debugw("Destroyed object", "id", id, "what", what)
	l.doomed[id] = l.now()
}

// dropStaleLinks removes links we made that the plan no longer wants
func (l *GraphLoop) dropStaleLinks(ctx context.Context, plan routing.Plan) {
	wanted := make(map[graph.PortPair]struct{}, len(plan.Links))
	for _, link := range plan.Links {
		wanted[link.PortPair] = struct{}{}
	}

	for pair := range l.owned {
		if _, ok := wanted[pair]; ok {
			continue
		}
		if id, ok := l.mirror.LinkBetween(pair); ok {
			l.destroy(ctx, id, "stale link")
		}
		delete(l.owned, pair)
		delete(l.pending, pair)
	}
}

// syncTargets pins routed streams to their channel so the session manager
// doesn't move them back, and releases streams that left a channel
func (l *GraphLoop) syncTargets(ctx context.Context, plan routing.Plan) {
	for streamID, channelID := range plan.Routed {
		ch, ok := l.channels[channelID]
		if !ok {
			continue
		}
		if l.targets[streamID] == channelID {
			continue
		}
		if l.setTarget(ctx, streamID, ch.nodeName()) {
			l.targets[streamID] = channelID
			l.publishRouting(EventStreamRouted, streamID, channelID)
		}
	}

	for streamID, channelID := range l.targets {
		if _, ok := plan.Routed[streamID]; ok {
			continue
		}
		if _, ok := l.mirror.Node(streamID); ok {
			l.setTarget(ctx, streamID, "")
		}
		delete(l.targets, streamID)
		l.publishRouting(EventStreamUnrouted, streamID, channelID)
	}
}

func (l *GraphLoop) setTarget(ctx context.Context, streamID uint32, target string) bool {
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	if err := l.server.SetTarget(opCtx, streamID, target); err != nil {
		l.logger.Warnw("Failed to set stream target", "stream", streamID, "target", target, "error", err)
		return false
	}
	return true
}

// reconcileOrphans destroys tagged nodes no tracked helper owns, once per
// connection after the first snapshot
func (l *GraphLoop) reconcileOrphans(ctx context.Context) {
	for _, node := range l.mirror.Nodes() {
		if node.ChannelID == "" {
			continue
		}

		if ep, ok := l.endpoints.Get(node.ChannelID); ok && ep.State < endpoint.StateTerminating {
			if node.Pid == 0 || node.Pid == ep.Pid {
				continue
			}
		} else if ch, ok := l.channels[node.ChannelID]; ok && ch.spawning {
			continue
		}

		l.logger.Infow("Destroying orphaned endpoint node", "node", node.ID, "name", node.Name, "channel", node.ChannelID)
		l.destroy(ctx, node.ID, "orphaned node")
	}
}

// channelNode finds the channel's node in a role, preferring the one created
// by the given helper
func (l *GraphLoop) channelNode(channelID, role string, pid int) (*graph.Node, bool) {
	var fallback *graph.Node
	for _, node := range l.mirror.Nodes() {
		if node.ChannelID != channelID || node.Role != role {
			continue
		}
		if _, doomed := l.doomed[node.ID]; doomed {
			continue
		}
		if pid != 0 && node.Pid != 0 {
			if node.Pid == pid {
				return node, true
			}
			continue
		}
		if fallback == nil {
			fallback = node
		}
	}
	return fallback, fallback != nil
}

// bindEndpoint follows the channel's node in the mirror and reports the
// endpoint once it is bound
func (l *GraphLoop) bindEndpoint(ch *MixerChannel) (endpoint.Endpoint, bool) {
	ep, ok := l.endpoints.Get(ch.ID)
	if !ok {
		return endpoint.Endpoint{}, false
	}

	node, found := l.channelNode(ch.ID, graph.RoleEndpoint, ep.Pid)

	switch ep.State {
	case endpoint.StateSpawned:
		if !found || !l.endpoints.Bind(ch.ID, node.ID) {
			return ep, false
		}
		l.logger.Infow("Endpoint bound", "channel", ch.ID, "node", node.ID)
		ch.endpointErr = nil
		ch.volumeApplied = false
		ch.resolveWaiters(nil)
		l.publishEndpoint(ch)

	case endpoint.StateBound, endpoint.StateActive:
		if found && node.ID == ep.NodeID {
			return ep, true
		}
		l.endpoints.Unbind(ch.ID)
		l.logger.Infow("Endpoint node went away", "channel", ch.ID, "node", ep.NodeID)
		if found && l.endpoints.Bind(ch.ID, node.ID) {
			ch.volumeApplied = false
		}
		l.publishEndpoint(ch)

	default:
		return ep, false
	}

	ep, ok = l.endpoints.Get(ch.ID)
	return ep, ok && (ep.State == endpoint.StateBound || ep.State == endpoint.StateActive)
}

// ensureEndpoint spawns the channel's helper unless one is pending, bound or
// active. A helper that died on its own is only replaced on request.
func (l *GraphLoop) ensureEndpoint(ctx context.Context, ch *MixerChannel) {
	if ch.endpointLost || ch.spawning {
		return
	}
	if ep, ok := l.endpoints.Get(ch.ID); ok && ep.State < endpoint.StateTerminating {
		return
	}

	spec := endpoint.Spec{ChannelID: ch.ID, Description: ch.Name, Kind: ch.endpointKind()}

	ch.spawning = true
	err := l.workers.Go(func(ctx context.Context) error {
		ep, err := l.endpoints.Create(ctx, spec)
		l.complete(endpointCreated{channelID: spec.ChannelID, endpoint: ep, err: err})
		return err
	})
	if err != nil {
		ch.spawning = false
		l.publishError(ch.ID, fmt.Errorf("queue endpoint creation: %w", err))
	}
}

func (l *GraphLoop) endpointCreated(channelID string, ep endpoint.Endpoint, err error) {
	ch, ok := l.channels[channelID]
	if !ok {
		// deleted while spawning
		if err == nil {
			l.destroyEndpoint(channelID)
		}
		return
	}

	ch.spawning = false

	if err != nil {
		ch.endpointErr = err
		ch.resolveWaiters(err)
		l.publishError(channelID, err)
		l.publishEndpoint(ch)
		return
	}

	ch.endpointErr = nil
	l.logger.Debugw("Endpoint spawned", "channel", channelID, "pid", ep.Pid)
	l.publishEndpoint(ch)
	l.dirty = true
}

func (l *GraphLoop) endpointExited(exit endpoint.Exit) {
	ch, ok := l.channels[exit.ChannelID]
	if !ok {
		return
	}

	l.closeTap(ch)
	l.dirty = true

	// helpers die with the server; replay brings them back
	if l.state != StateConnected {
		l.logger.Debugw("Helper exited while disconnected", "channel", exit.ChannelID, "pid", exit.Pid)
		l.publishEndpoint(ch)
		return
	}

	err := errkind.Newf(errkind.HelperProcessUnavailable, "endpoint", "helper for channel %s exited: %v", exit.ChannelID, exit.Err)
	ch.endpointLost = true
	ch.endpointErr = err
	ch.resolveWaiters(err)

	l.publishError(exit.ChannelID, err)
	l.publishEndpoint(ch)
}

// destroyEndpoint stops tracking the channel's helper right away and
// terminates it on a worker
func (l *GraphLoop) destroyEndpoint(channelID string) {
	ep, ok := l.endpoints.Detach(channelID)
	if !ok {
		return
	}
	l.terminate(ep)
}

// terminate stops a helper the manager already let go of
func (l *GraphLoop) terminate(ep endpoint.Endpoint) {
	err := l.workers.Go(func(ctx context.Context) error {
		err := l.endpoints.Terminate(ctx, ep)
		l.complete(endpointTerminated{channelID: ep.ChannelID, pid: ep.Pid, err: err})
		return err
	})
	if err != nil {
		l.logger.Warnw("Terminating helper on the loop", "channel", ep.ChannelID, "reason", err)
		if err := l.endpoints.Terminate(l.runCtx, ep); err != nil {
			l.publishError(ep.ChannelID, err)
		}
	}
}

// syncTap keeps one monitor tap per bound channel, with processing when the
// channel has an effect chain
func (l *GraphLoop) syncTap(ch *MixerChannel, ep endpoint.Endpoint, bound bool) {
	if !bound {
		l.closeTap(ch)
		return
	}

	processing := ch.wantsProcessing()
	if ch.tap != nil && ch.tapNode == ep.NodeID && ch.tapProcessing == processing {
		return
	}
	l.closeTap(ch)

	if ch.tapFailedNode == ep.NodeID {
		return
	}

	spec := server.TapSpec{
		ChannelID:  ch.ID,
		NodeName:   ch.nodeName(),
		Source:     ch.Kind == routing.KindSource,
		Meter:      ch.Meter,
		SampleRate: l.config.SampleRate,
		BlockSize:  l.config.BlockSize,
	}
	if processing {
		spec.Process = ch.processor(l.host, l.config.BlockSize)
		spec.PlaybackSink = ch.Device
	}

	tap, err := l.server.OpenTap(spec)
	if err != nil {
		ch.tapFailedNode = ep.NodeID
		l.publishError(ch.ID, err)
		return
	}

	ch.tap = tap
	ch.tapNode = ep.NodeID
	ch.tapProcessing = processing
	l.dirty = true
}

func (l *GraphLoop) closeTap(ch *MixerChannel) {
	if ch.tap == nil {
		return
	}
	if err := ch.tap.Close(); err != nil {
		l.logger.Debugw("Failed to close tap", "channel", ch.ID, "error", err)
	}
	ch.tap = nil
	ch.tapNode = 0
	ch.tapProcessing = false
	l.dirty = true
}

// applyParams forwards volume and mute once per change, after the endpoint
// node exists
func (l *GraphLoop) applyParams(ch *MixerChannel) {
	ep, ok := l.endpoints.Get(ch.ID)
	if !ok || (ep.State != endpoint.StateBound && ep.State != endpoint.StateActive) {
		return
	}

	generation := ch.Params.Generation()
	if ch.volumeApplied && generation == ch.appliedGeneration {
		return
	}

	opCtx, cancel := l.opContext(l.runCtx)
	defer cancel()

	linear := float64(realtime.DBToLinear(ch.Params.VolumeDB()))
	if err := l.server.SetVolume(opCtx, ch.nodeName(), ch.Kind == routing.KindSource, linear, ch.Params.Muted()); err != nil {
		l.logger.Debugw("Failed to apply volume, will retry", "channel", ch.ID, "error", err)
		return
	}

	ch.appliedGeneration = generation
	ch.volumeApplied = true
}

func (l *GraphLoop) forwardParams(channelID string) {
	ch, ok := l.channels[channelID]
	if !ok {
		return
	}

	if l.state == StateConnected {
		l.applyParams(ch)
	}
	l.bus.Publish(Event{Kind: EventChannelUpdated, ChannelID: channelID, Channel: l.info(ch)})
}

func (l *GraphLoop) channelOfPlugin(handle plugins.Handle) string {
	for _, id := range l.order {
		if l.channels[id].slotIndex(handle) >= 0 {
			return id
		}
	}
	return ""
}

func (l *GraphLoop) publishError(channelID string, err error) {
	l.bus.Publish(Event{Kind: EventError, ChannelID: channelID, Err: err})
}

func (l *GraphLoop) publishEndpoint(ch *MixerChannel) {
	info := l.endpointInfo(ch)
	l.bus.Publish(Event{Kind: EventEndpointChanged, ChannelID: ch.ID, Endpoint: &info})
}

func (l *GraphLoop) endpointInfo(ch *MixerChannel) EndpointInfo {
	info := EndpointInfo{State: endpoint.StateGone, Lost: ch.endpointLost}
	if ep, ok := l.endpoints.Get(ch.ID); ok {
		info.State = ep.State
		info.NodeID = ep.NodeID
		info.Pid = ep.Pid
	} else if ch.spawning {
		info.State = endpoint.StateRequested
	}
	if ch.endpointErr != nil {
		info.Error = ch.endpointErr.Error()
	}
	return info
}

func (l *GraphLoop) info(ch *MixerChannel) *ChannelInfo {
	info := &ChannelInfo{
		ID:       ch.ID,
		Name:     ch.Name,
		Kind:     ch.Kind,
		VolumeDB: ch.Params.VolumeDB(),
		Muted:    ch.Params.Muted(),
		Device:   ch.Device,
		Rules:    l.routes.Rules(ch.ID),
		Endpoint: l.endpointInfo(ch),
	}

	for _, s := range ch.slots {
		state, err := l.host.State(s.handle)
		if err != nil {
			state = plugins.StateUnloaded
		}
		latency, _ := l.host.Latency(s.handle)
		info.Plugins = append(info.Plugins, PluginSlot{Handle: s.handle, PluginID: s.pluginID, State: state, Latency: latency})
	}

	return info
}

// shutdown runs on the loop goroutine once ctx is done
func (l *GraphLoop) shutdown() {
	l.logger.Info("Graph loop stopping")

	for _, id := range l.order {
		l.closeTap(l.channels[id])
	}

	// release streams while the server still listens
	if l.state == StateConnected {
		for streamID := range l.targets {
			l.setTarget(context.Background(), streamID, "")
		}
	}

	for _, id := range l.order {
		ch := l.channels[id]
		l.saveChainState(ch)
		l.unloadChain(ch)
		ch.resolveWaiters(ErrLoopStopped)
	}

	if err := l.workers.Close(); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Debugw("Workers finished with errors", "error", err)
	}

	if err := l.endpoints.TerminateAll(); err != nil {
		l.logger.Warnw("Failed to terminate every helper", "error", err)
	}
	l.endpoints.Close()

	l.setState(StateStopped)
}
