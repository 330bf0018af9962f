package mixgraph

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/endpoint"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/plugins"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/routing"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/server"
)

const (
	waitFor  = 2 * time.Second
	pollTick = 5 * time.Millisecond
)

type fakeTap struct {
	closed bool
}

func (t *fakeTap) Close() error {
	t.closed = true
	return nil
}

type fakeServer struct {
	lock       sync.Mutex
	connectErr error
	updates    chan graph.Update
	connects   int

	linkCalls map[graph.PortPair]int
	destroyed []uint32
	targets   map[uint32]string
	volumes   map[string]float64
	muted     map[string]bool
	taps      []server.TapSpec
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		linkCalls: make(map[graph.PortPair]int),
		targets:   make(map[uint32]string),
		volumes:   make(map[string]float64),
		muted:     make(map[string]bool),
	}
}

func (s *fakeServer) Connect(ctx context.Context) (<-chan graph.Update, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.connects++
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	s.updates = make(chan graph.Update, 256)
	return s.updates, nil
}

func (s *fakeServer) CreateLink(ctx context.Context, outPort, inPort uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.linkCalls[graph.PortPair{Output: outPort, Input: inPort}]++
	return nil
}

func (s *fakeServer) DestroyObject(ctx context.Context, id uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.destroyed = append(s.destroyed, id)
	return nil
}

func (s *fakeServer) SetTarget(ctx context.Context, streamID uint32, target string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.targets[streamID] = target
	return nil
}

func (s *fakeServer) SetVolume(ctx context.Context, nodeName string, source bool, linear float64, muted bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.volumes[nodeName] = linear
	s.muted[nodeName] = muted
	return nil
}

func (s *fakeServer) OpenTap(spec server.TapSpec) (server.Tap, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.taps = append(s.taps, spec)
	return &fakeTap{}, nil
}

func (s *fakeServer) Close() error {
	return nil
}

func (s *fakeServer) connected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.updates != nil
}

func (s *fakeServer) connectCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connects
}

func (s *fakeServer) setConnectErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.connectErr = err
}

func (s *fakeServer) push(t *testing.T, updates ...graph.Update) {
	t.Helper()
	require.Eventually(t, s.connected, waitFor, pollTick)

	s.lock.Lock()
	c := s.updates
	s.lock.Unlock()

	for _, u := range updates {
		c <- u
	}
}

// drop closes the update stream the way a lost connection does
func (s *fakeServer) drop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.updates != nil {
		close(s.updates)
		s.updates = nil
	}
}

func (s *fakeServer) linkCount(pair graph.PortPair) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.linkCalls[pair]
}

func (s *fakeServer) wasDestroyed(id uint32) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, d := range s.destroyed {
		if d == id {
			return true
		}
	}
	return false
}

func (s *fakeServer) target(streamID uint32) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	target, ok := s.targets[streamID]
	return target, ok
}

func (s *fakeServer) volume(nodeName string) (float64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.volumes[nodeName], s.muted[nodeName]
}

func (s *fakeServer) lastTap() (server.TapSpec, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.taps) == 0 {
		return server.TapSpec{}, false
	}
	return s.taps[len(s.taps)-1], true
}

type fakeProcess struct {
	pid int

	lock       sync.Mutex
	done       chan struct{}
	terminated bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.terminated = true
	p.exitLocked()
	return nil
}

func (p *fakeProcess) Kill() error {
	return p.Terminate()
}

func (p *fakeProcess) crash() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.exitLocked()
}

func (p *fakeProcess) exitLocked() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *fakeProcess) wasTerminated() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.terminated
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error { return errors.New("signal: killed") }

type fakeSpawner struct {
	lock     sync.Mutex
	spawnErr error
	spawned  []*fakeProcess
}

func (s *fakeSpawner) LookPath(binary string) (string, error) {
	return "/usr/bin/" + binary, nil
}

func (s *fakeSpawner) Spawn(path string, args []string) (endpoint.Process, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := &fakeProcess{pid: 4000 + len(s.spawned), done: make(chan struct{})}
	s.spawned = append(s.spawned, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.spawned[i]
}

func (s *fakeSpawner) setSpawnErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.spawnErr = err
}

type harness struct {
	t       *testing.T
	loop    *GraphLoop
	server  *fakeServer
	spawner *fakeSpawner
	host    *plugins.Host
	bus     *EventBus
	fs      afero.Fs
	events  <-chan Event
}

func newHarness(t *testing.T, bindTimeout time.Duration) *harness {
	logger := zaptest.NewLogger(t).Sugar()

	if bindTimeout <= 0 {
		bindTimeout = time.Minute
	}

	srv := newFakeServer()
	spawner := &fakeSpawner{}

	endpoints, err := endpoint.NewManager(logger, endpoint.Config{
		BindTimeout:      bindTimeout,
		TerminateTimeout: 50 * time.Millisecond,
	}, endpoint.WithSpawner(spawner))
	require.NoError(t, err)

	host := plugins.NewHost(logger, nil)
	host.Discover()

	bus := NewEventBus(logger)
	events, unsubscribe := bus.Subscribe(4096)

	fs := afero.NewMemMapFs()

	loop := newGraphLoop(logger, LoopConfig{
		BackoffMin:   20 * time.Millisecond,
		BackoffMax:   40 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
		OpTimeout:    time.Second,
		BlockSize:    64,
	}, loopParts{
		server:    srv,
		endpoints: endpoints,
		routes:    routing.NewEngine(logger),
		host:      host,
		bus:       bus,
		meters:    newMeterForwarder(logger, bus, 0),
		states:    newStateStore(logger, fs, "/state"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-loop.Done()
		unsubscribe()
	})

	return &harness{
		t:       t,
		loop:    loop,
		server:  srv,
		spawner: spawner,
		host:    host,
		bus:     bus,
		fs:      fs,
		events:  events,
	}
}

func (h *harness) daemon() *Daemon {
	return &Daemon{loop: h.loop, host: h.host, bus: h.bus}
}

func (h *harness) do(fn func(l *GraphLoop) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return h.loop.Do(ctx, fn)
}

// settle returns once everything queued before it, reconciliation included,
// has run on the loop
func (h *harness) settle() {
	require.NoError(h.t, h.do(func(l *GraphLoop) error { return nil }))
}

// poke forces a reconciliation pass
func (h *harness) poke() {
	require.NoError(h.t, h.do(func(l *GraphLoop) error {
		l.dirty = true
		return nil
	}))
	h.settle()
}

func (h *harness) createChannel(cc ChannelConfig) {
	require.NoError(h.t, h.do(func(l *GraphLoop) error {
		_, err := l.createChannel(context.Background(), cc, false)
		return err
	}))
}

func (h *harness) waitSpawns(n int) {
	require.Eventually(h.t, func() bool { return h.spawner.count() == n }, waitFor, pollTick)
}

func (h *harness) waitEvent(match func(Event) bool) Event {
	h.t.Helper()

	timeout := time.After(waitFor)
	for {
		select {
		case e := <-h.events:
			if match(e) {
				return e
			}
		case <-timeout:
			require.FailNow(h.t, "expected event did not arrive")
			return Event{}
		}
	}
}

func (h *harness) endpointState(channelID string) endpoint.State {
	ep, ok := h.loop.endpoints.Get(channelID)
	if !ok {
		return endpoint.StateGone
	}
	return ep.State
}

func node(id uint32, n graph.Node) graph.Update {
	n.ID = id
	return graph.Update{Kind: graph.UpdateNode, ID: id, Node: &n}
}

func port(id, nodeID uint32, dir graph.Direction, pos graph.Position) graph.Update {
	return graph.Update{Kind: graph.UpdatePort, ID: id, Port: &graph.Port{ID: id, NodeID: nodeID, Direction: dir, Position: pos}}
}

func link(id uint32, outNode, outPort, inNode, inPort uint32) graph.Update {
	return graph.Update{Kind: graph.UpdateLink, ID: id, Link: &graph.Link{
		ID: id, OutputNode: outNode, OutputPort: outPort, InputNode: inNode, InputPort: inPort,
	}}
}

// snapshot is speakers (40) and a Firefox stream (50) that the session
// manager already linked to them (90, 91)
func snapshot() []graph.Update {
	return []graph.Update{
		node(40, graph.Node{Name: "alsa_output.speakers", MediaClass: graph.MediaClassSink, Category: graph.CategoryDevice}),
		port(41, 40, graph.DirectionIn, graph.PositionFL),
		port(42, 40, graph.DirectionIn, graph.PositionFR),
		node(50, graph.Node{Name: "Firefox", AppName: "Firefox", Binary: "firefox", MediaClass: graph.MediaClassStreamOutput, Category: graph.CategoryStream}),
		port(51, 50, graph.DirectionOut, graph.PositionFL),
		port(52, 50, graph.DirectionOut, graph.PositionFR),
		link(90, 50, 51, 40, 41),
		link(91, 50, 52, 40, 42),
		{Kind: graph.UpdateDefaults, Defaults: graph.Defaults{Sink: "alsa_output.speakers"}},
		{Kind: graph.UpdateSynced},
	}
}

// helperNodes are the two nodes a sink helper creates: the endpoint the
// streams play into and the bridge feeding the device
func helperNodes(channelID string, pid int, endpointID, bridgeID uint32) []graph.Update {
	return []graph.Update{
		node(endpointID, graph.Node{
			Name: endpoint.NodeName(channelID), MediaClass: graph.MediaClassSink, Category: graph.CategoryVirtual,
			ChannelID: channelID, Role: graph.RoleEndpoint, Pid: pid,
		}),
		port(endpointID+1, endpointID, graph.DirectionIn, graph.PositionFL),
		port(endpointID+2, endpointID, graph.DirectionIn, graph.PositionFR),
		node(bridgeID, graph.Node{
			Name: endpoint.BridgeName(channelID, endpoint.KindSink), MediaClass: graph.MediaClassStreamOutput, Category: graph.CategoryVirtual,
			ChannelID: channelID, Role: graph.RoleBridge, Pid: pid,
		}),
		port(bridgeID+1, bridgeID, graph.DirectionOut, graph.PositionFL),
		port(bridgeID+2, bridgeID, graph.DirectionOut, graph.PositionFR),
	}
}

var webLinks = []graph.PortPair{
	{Output: 51, Input: 61},
	{Output: 52, Input: 62},
	{Output: 71, Input: 41},
	{Output: 72, Input: 42},
}

func webChannel() ChannelConfig {
	return ChannelConfig{ID: "web", Name: "Web", Rules: []RuleConfig{{Pattern: "Firefox"}}}
}

// realizeWeb creates the web channel and plays its helper's part until the
// channel's links have been requested
func (h *harness) realizeWeb() *fakeProcess {
	h.server.push(h.t, snapshot()...)
	h.createChannel(webChannel())
	h.waitSpawns(1)

	proc := h.spawner.process(0)
	h.server.push(h.t, helperNodes("web", proc.pid, 60, 70)...)

	require.Eventually(h.t, func() bool {
		for _, pair := range webLinks {
			if h.server.linkCount(pair) == 0 {
				return false
			}
		}
		return true
	}, waitFor, pollTick)

	return proc
}

func TestRoutedStreamIsLinkedOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.realizeWeb()

	// nothing confirmed yet, the requests are pending
	h.poke()
	h.poke()

	h.server.push(t,
		link(80, 50, 51, 60, 61),
		link(81, 50, 52, 60, 62),
		link(82, 70, 71, 40, 41),
		link(83, 70, 72, 40, 42),
	)
	h.settle()
	h.poke()

	require.Eventually(t, func() bool { return h.endpointState("web") == endpoint.StateActive }, waitFor, pollTick)

	for _, pair := range webLinks {
		assert.Equal(t, 1, h.server.linkCount(pair), "link %d -> %d", pair.Output, pair.Input)
	}

	// the session manager's links would play the stream twice
	assert.True(t, h.server.wasDestroyed(90))
	assert.True(t, h.server.wasDestroyed(91))

	target, ok := h.server.target(50)
	require.True(t, ok)
	assert.Equal(t, endpoint.NodeName("web"), target)
}

func TestEndpointIsSpawnedOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.server.push(t, snapshot()...)
	h.createChannel(webChannel())
	h.waitSpawns(1)

	err := h.do(func(l *GraphLoop) error {
		_, err := l.createChannel(context.Background(), webChannel(), false)
		return err
	})
	assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))

	require.NoError(t, h.do(func(l *GraphLoop) error {
		ch, err := l.channel("web")
		if err != nil {
			return err
		}
		l.ensureEndpoint(context.Background(), ch)
		l.ensureEndpoint(context.Background(), ch)
		return nil
	}))

	proc := h.spawner.process(0)
	h.server.push(t, helperNodes("web", proc.pid, 60, 70)...)
	require.Eventually(t, func() bool {
		state := h.endpointState("web")
		return state == endpoint.StateBound || state == endpoint.StateActive
	}, waitFor, pollTick)

	h.poke()
	assert.Never(t, func() bool { return h.spawner.count() > 1 }, 100*time.Millisecond, pollTick)
}

func TestReconnectReplaysChannels(t *testing.T) {
	h := newHarness(t, 0)
	proc := h.realizeWeb()

	h.server.drop()
	h.waitEvent(func(e Event) bool {
		return e.Kind == EventConnectionChanged && e.State == StateReconnecting
	})
	h.waitEvent(func(e Event) bool {
		return e.Kind == EventConnectionChanged && e.State == StateConnected
	})
	assert.Equal(t, 2, h.server.connectCount())

	// the helper survived, the fresh snapshot still has its nodes
	h.server.push(t, snapshot()...)
	h.server.push(t, helperNodes("web", proc.pid, 60, 70)...)

	require.Eventually(t, func() bool {
		for _, pair := range webLinks {
			if h.server.linkCount(pair) != 2 {
				return false
			}
		}
		return true
	}, waitFor, pollTick)

	assert.Equal(t, 1, h.spawner.count())
}

func TestHelperLostWhileDisconnectedIsRespawned(t *testing.T) {
	h := newHarness(t, 0)
	proc := h.realizeWeb()

	h.server.setConnectErr(errors.New("connection refused"))
	h.server.drop()
	h.waitEvent(func(e Event) bool {
		return e.Kind == EventConnectionChanged && e.State == StateReconnecting
	})

	proc.crash()
	require.Eventually(t, func() bool { return h.endpointState("web") == endpoint.StateGone }, waitFor, pollTick)
	h.settle()

	h.server.setConnectErr(nil)
	h.waitSpawns(2)
}

func TestHelperExitWhileConnectedMarksEndpointLost(t *testing.T) {
	h := newHarness(t, 0)
	proc := h.realizeWeb()

	proc.crash()

	e := h.waitEvent(func(e Event) bool {
		return e.Kind == EventEndpointChanged && e.Endpoint != nil && e.Endpoint.Lost
	})
	assert.Equal(t, "web", e.ChannelID)
	assert.NotEmpty(t, e.Endpoint.Error)

	assert.Never(t, func() bool { return h.spawner.count() > 1 }, 100*time.Millisecond, pollTick)

	require.NoError(t, h.do(func(l *GraphLoop) error {
		return l.recreateEndpoint(context.Background(), "web")
	}))
	h.waitSpawns(2)
}

func TestSpawnFailureIsReported(t *testing.T) {
	h := newHarness(t, 0)
	h.server.push(t, snapshot()...)
	h.spawner.setSpawnErr(errors.New("exec format error"))

	var wait chan error
	require.NoError(t, h.do(func(l *GraphLoop) error {
		if _, err := l.createChannel(context.Background(), webChannel(), false); err != nil {
			return err
		}
		var err error
		wait, err = l.waitEndpoint("web")
		return err
	}))
	require.NotNil(t, wait)

	e := h.waitEvent(func(e Event) bool { return e.Kind == EventError && e.ChannelID == "web" })
	assert.Equal(t, errkind.HelperProcessUnavailable, errkind.KindOf(e.Err))

	select {
	case err := <-wait:
		assert.ErrorIs(t, err, errkind.ErrHelperProcessUnavailable)
	case <-time.After(waitFor):
		require.FailNow(t, "waiter was not resolved")
	}

	info, err := h.daemon().Channel(context.Background(), "web")
	require.NoError(t, err)
	assert.NotEmpty(t, info.Endpoint.Error)
}

func TestBindTimeoutTerminatesHelper(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.server.push(t, snapshot()...)

	var wait chan error
	require.NoError(t, h.do(func(l *GraphLoop) error {
		if _, err := l.createChannel(context.Background(), webChannel(), false); err != nil {
			return err
		}
		var err error
		wait, err = l.waitEndpoint("web")
		return err
	}))
	h.waitSpawns(1)

	e := h.waitEvent(func(e Event) bool { return e.Kind == EventError && e.ChannelID == "web" })
	assert.Equal(t, errkind.EndpointTimeout, errkind.KindOf(e.Err))

	select {
	case err := <-wait:
		assert.ErrorIs(t, err, errkind.ErrEndpointTimeout)
	case <-time.After(waitFor):
		require.FailNow(t, "waiter was not resolved")
	}

	proc := h.spawner.process(0)
	require.Eventually(t, proc.wasTerminated, waitFor, pollTick)
	assert.Equal(t, endpoint.StateGone, h.endpointState("web"))
}

func TestWaitEndpointReturnsOnceBound(t *testing.T) {
	h := newHarness(t, 0)
	d := h.daemon()
	h.server.push(t, snapshot()...)
	h.createChannel(webChannel())
	h.waitSpawns(1)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		done <- d.WaitEndpoint(ctx, "web")
	}()

	h.server.push(t, helperNodes("web", h.spawner.process(0).pid, 60, 70)...)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "WaitEndpoint did not return")
	}

	// already bound
	assert.NoError(t, d.WaitEndpoint(context.Background(), "web"))
	assert.Equal(t, errkind.NotFound, errkind.KindOf(d.WaitEndpoint(context.Background(), "nope")))
}

func TestSetVolumeIsClampedAndForwarded(t *testing.T) {
	h := newHarness(t, 0)
	h.realizeWeb()
	d := h.daemon()
	ctx := context.Background()

	name := endpoint.NodeName("web")
	require.Eventually(t, func() bool {
		v, _ := h.server.volume(name)
		return v == 1
	}, waitFor, pollTick)

	applied, err := d.SetVolume(ctx, "web", 20)
	require.NoError(t, err)
	assert.Equal(t, float32(realtime.MaxVolumeDB), applied)

	want := float64(realtime.DBToLinear(realtime.MaxVolumeDB))
	require.Eventually(t, func() bool {
		v, _ := h.server.volume(name)
		return math.Abs(v-want) < 1e-6
	}, waitFor, pollTick)

	require.NoError(t, d.SetMute(ctx, "web", true))
	require.Eventually(t, func() bool {
		_, muted := h.server.volume(name)
		return muted
	}, waitFor, pollTick)

	_, err = d.SetVolume(ctx, "nope", 0)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

	_, err = d.SetVolume(ctx, "web", math.NaN())
	assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))

	info, err := d.Channel(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, float32(realtime.MaxVolumeDB), info.VolumeDB)
	assert.True(t, info.Muted)
}

func TestPluginChainRunsInTheTap(t *testing.T) {
	h := newHarness(t, 0)
	h.realizeWeb()
	d := h.daemon()
	ctx := context.Background()

	spec, ok := h.server.lastTap()
	require.True(t, ok)
	assert.Nil(t, spec.Process)

	handle, err := d.LoadPlugin(ctx, "web", plugins.GainID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		spec, ok := h.server.lastTap()
		return ok && spec.Process != nil
	}, waitFor, pollTick)

	params, err := d.PluginParameters(ctx, "web", handle)
	require.NoError(t, err)
	require.Len(t, params, 1)

	require.NoError(t, d.SetPluginParameter(ctx, "web", handle, 0, 6))
	blob, err := d.SavePluginState(ctx, "web", handle)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	require.NoError(t, d.UnloadPlugin(ctx, "web", handle))

	// unloading keeps the state for the slot
	require.Eventually(t, func() bool {
		ok, _ := afero.Exists(h.fs, "/state/plugin-state/web/00-builtin.gain.state")
		return ok
	}, waitFor, pollTick)

	err = d.UnloadPlugin(ctx, "web", handle)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

	_, err = d.LoadPlugin(ctx, "web", "no.such.plugin")
	assert.Error(t, err)
}

func TestPluginChainsAreSinkOnly(t *testing.T) {
	h := newHarness(t, 0)
	h.server.push(t, snapshot()...)
	h.createChannel(ChannelConfig{ID: "mic", Kind: "source"})

	_, err := h.daemon().LoadPlugin(context.Background(), "mic", plugins.GainID)
	assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))
}

func TestDeleteChannelTerminatesHelper(t *testing.T) {
	h := newHarness(t, 0)
	proc := h.realizeWeb()
	d := h.daemon()

	require.NoError(t, d.DeleteChannel(context.Background(), "web"))
	h.waitEvent(func(e Event) bool { return e.Kind == EventChannelRemoved && e.ChannelID == "web" })

	require.Eventually(t, proc.wasTerminated, waitFor, pollTick)

	// the stream is released back to the session manager
	require.Eventually(t, func() bool {
		target, ok := h.server.target(50)
		return ok && target == ""
	}, waitFor, pollTick)

	channels, err := d.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, channels)

	assert.Equal(t, errkind.NotFound, errkind.KindOf(d.DeleteChannel(context.Background(), "web")))
}

func TestApplyConfigLeavesAPIChannelsAlone(t *testing.T) {
	h := newHarness(t, 0)
	h.server.push(t, snapshot()...)
	ctx := context.Background()

	apply := func(configs ...ChannelConfig) error {
		return h.do(func(l *GraphLoop) error { return l.applyConfig(ctx, configs) })
	}

	require.NoError(t, apply(
		ChannelConfig{ID: "music", VolumeDB: -6},
		ChannelConfig{ID: "voice"},
	))
	h.createChannel(ChannelConfig{ID: "adhoc"})

	// a user change survives a reload that doesn't touch the volume
	_, err := h.daemon().SetVolume(ctx, "music", -20)
	require.NoError(t, err)

	require.NoError(t, apply(ChannelConfig{ID: "music", VolumeDB: -6}))

	channels, err := h.daemon().ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "music", channels[0].ID)
	assert.Equal(t, float32(-20), channels[0].VolumeDB)
	assert.Equal(t, "adhoc", channels[1].ID)

	require.NoError(t, apply(ChannelConfig{ID: "music", VolumeDB: -3}))
	info, err := h.daemon().Channel(ctx, "music")
	require.NoError(t, err)
	assert.Equal(t, float32(-3), info.VolumeDB)

	err = apply(ChannelConfig{ID: "music", Kind: "source"})
	assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))
}

func TestReloadKeepsStreamOnDeclaredChannel(t *testing.T) {
	h := newHarness(t, 0)
	h.server.push(t, snapshot()...)
	ctx := context.Background()

	web := ChannelConfig{ID: "web", Rules: []RuleConfig{{Pattern: "fire*", Kind: "glob"}}}
	reload := func() error {
		return h.do(func(l *GraphLoop) error { return l.applyConfig(ctx, []ChannelConfig{web}) })
	}

	require.NoError(t, reload())
	h.waitSpawns(1)
	h.server.push(t, helperNodes("web", h.spawner.process(0).pid, 60, 70)...)

	h.createChannel(ChannelConfig{ID: "other", Rules: []RuleConfig{{Pattern: "fi*", Kind: "glob"}}})
	h.waitSpawns(2)
	h.server.push(t, helperNodes("other", h.spawner.process(1).pid, 100, 110)...)

	require.Eventually(t, func() bool {
		state := h.endpointState("other")
		return state == endpoint.StateBound || state == endpoint.StateActive
	}, waitFor, pollTick)
	require.Eventually(t, func() bool {
		target, _ := h.server.target(50)
		return target == endpoint.NodeName("web")
	}, waitFor, pollTick)

	require.NoError(t, reload())
	require.NoError(t, reload())
	h.poke()

	target, _ := h.server.target(50)
	assert.Equal(t, endpoint.NodeName("web"), target)
	assert.Zero(t, h.server.linkCount(graph.PortPair{Output: 51, Input: 101}))
}

func TestStreamsAreListedAndRoutingAnnounced(t *testing.T) {
	h := newHarness(t, 0)
	h.realizeWeb()
	d := h.daemon()
	ctx := context.Background()

	routed := h.waitEvent(func(e Event) bool { return e.Kind == EventStreamRouted })
	require.NotNil(t, routed.Stream)
	assert.Equal(t, "web", routed.ChannelID)
	assert.Equal(t, uint32(50), routed.Stream.NodeID)
	assert.Equal(t, "firefox", routed.Stream.Binary)

	streams, err := d.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "Firefox", streams[0].AppName)
	assert.Equal(t, routing.KindSink, streams[0].Kind)
	assert.Equal(t, "web", streams[0].ChannelID)

	devices, err := d.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "alsa_output.speakers", devices[0].Name)
	assert.Equal(t, routing.KindSink, devices[0].Kind)
	assert.True(t, devices[0].Default)

	require.NoError(t, d.RemoveRule(ctx, "web", "Firefox"))
	unrouted := h.waitEvent(func(e Event) bool { return e.Kind == EventStreamUnrouted })
	require.NotNil(t, unrouted.Stream)
	assert.Equal(t, "web", unrouted.ChannelID)
	assert.Equal(t, uint32(50), unrouted.Stream.NodeID)
	assert.Empty(t, unrouted.Stream.ChannelID)

	streams, err = d.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Empty(t, streams[0].ChannelID)
}

func TestRuleChangesReroute(t *testing.T) {
	h := newHarness(t, 0)
	h.realizeWeb()
	d := h.daemon()
	ctx := context.Background()

	require.NoError(t, d.RemoveRule(ctx, "web", "Firefox"))
	require.Eventually(t, func() bool {
		target, ok := h.server.target(50)
		return ok && target == ""
	}, waitFor, pollTick)

	assert.Equal(t, errkind.NotFound, errkind.KindOf(d.RemoveRule(ctx, "web", "Firefox")))

	err := d.AddRule(ctx, "web", RuleConfig{Pattern: "fire*", Kind: "glob", Target: "binary"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		target, _ := h.server.target(50)
		return target == endpoint.NodeName("web")
	}, waitFor, pollTick)

	err = d.AddRule(ctx, "web", RuleConfig{Pattern: "(", Kind: "regex"})
	assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))
}
