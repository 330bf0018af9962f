package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
)

const (
	DefaultBindTimeout      = 5 * time.Second
	DefaultTerminateTimeout = 2 * time.Second

	exitBacklog = 32
)

type State int

const (
	StateRequested State = iota
	StateSpawned
	StateBound
	StateActive
	StateTerminating
	StateGone
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateSpawned:
		return "spawned"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "gone"
	}
}

// Endpoint is a snapshot of one tracked helper
type Endpoint struct {
	ChannelID string
	Kind      Kind
	NodeName  string
	Pid       int
	NodeID    uint32
	State     State
	CreatedAt time.Time

	process Process
}

// Exit reports a helper that went away without being asked to
type Exit struct {
	ChannelID string
	Pid       int
	NodeID    uint32
	Err       error
}

type Config struct {
	Binary           string
	BindTimeout      time.Duration
	TerminateTimeout time.Duration
	// StateDir holds the ownership ledger; empty disables it
	StateDir string
}

type Option func(*Manager)

func WithSpawner(s Spawner) Option {
	return func(m *Manager) {
		m.spawner = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns every helper process. It is safe for concurrent use; the
// graph loop drives the state transitions while workers do the blocking
// termination.
type Manager struct {
	logger  *zap.SugaredLogger
	config  Config
	spawner Spawner
	now     func() time.Time

	lock      sync.Mutex
	endpoints map[string]*Endpoint
	ledger    *ledger

	helperPath string
	helperErr  error
	helperOnce sync.Once

	exits     chan Exit
	closed    chan struct{}
	closeOnce sync.Once
}

func NewManager(logger *zap.SugaredLogger, config Config, opts ...Option) (*Manager, error) {
	logger = logger.Named("endpoint")

	if config.Binary == "" {
		config.Binary = DefaultHelperBinary
	}
	if config.BindTimeout <= 0 {
		config.BindTimeout = DefaultBindTimeout
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = DefaultTerminateTimeout
	}

	m := &Manager{
		logger:    logger,
		config:    config,
		now:       time.Now,
		endpoints: make(map[string]*Endpoint),
		ledger:    newLedger(config.StateDir),
		exits:     make(chan Exit, exitBacklog),
		closed:    make(chan struct{}),
	}
	m.spawner = newExecSpawner(logger)

	for _, opt := range opts {
		opt(m)
	}

	if err := m.ledger.load(); err != nil {
		logger.Warnw("Failed to load endpoint ledger", "error", err)
		return nil, fmt.Errorf("load endpoint ledger: %w", err)
	}

	logger.Debug("Created endpoint manager instance")

	return m, nil
}

// Reconcile terminates helpers a previous run left behind. Call it once,
// before the first Create.
func (m *Manager) Reconcile() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	reaped, err := m.ledger.reap(m.config.Binary, m.config.TerminateTimeout)
	if reaped > 0 {
		m.logger.Infow("Terminated helpers left by a previous run", "count", reaped)
	}
	if err != nil {
		m.logger.Warnw("Failed to reconcile leftover helpers", "error", err)
		return fmt.Errorf("reconcile helpers: %w", err)
	}
	return nil
}

// CheckHelper looks the helper binary up the first time it is needed
func (m *Manager) CheckHelper() error {
	m.helperOnce.Do(func() {
		m.helperPath, m.helperErr = m.spawner.LookPath(m.config.Binary)
		if m.helperErr != nil {
			m.logger.Warnw("Helper binary not found", "binary", m.config.Binary, "error", m.helperErr)
		}
	})

	if m.helperErr != nil {
		return errkind.New(errkind.HelperProcessUnavailable, "check helper", m.helperErr)
	}
	return nil
}

// Create starts a helper for the channel and returns without waiting for
// its node. Creating an endpoint that is already tracked is a no-op.
func (m *Manager) Create(ctx context.Context, spec Spec) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}

	if err := m.CheckHelper(); err != nil {
		return Endpoint{}, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if ep, ok := m.endpoints[spec.ChannelID]; ok && ep.State < StateTerminating {
		return *ep, nil
	}

	ep := &Endpoint{
		ChannelID: spec.ChannelID,
		Kind:      spec.Kind,
		NodeName:  NodeName(spec.ChannelID),
		State:     StateRequested,
		CreatedAt: m.now(),
	}
	m.endpoints[spec.ChannelID] = ep

	proc, err := m.spawner.Spawn(m.helperPath, helperArgs(spec))
	if err != nil {
		delete(m.endpoints, spec.ChannelID)
		m.logger.Warnw("Failed to spawn helper", "channel", spec.ChannelID, "error", err)
		return Endpoint{}, errkind.New(errkind.HelperProcessUnavailable, "create endpoint "+spec.ChannelID, err)
	}

	ep.process = proc
	ep.Pid = proc.Pid()
	ep.State = StateSpawned

	m.ledger.put(ledgerEntry{Channel: ep.ChannelID, Node: ep.NodeName, Pid: ep.Pid, Started: ep.CreatedAt})
	if err := m.ledger.save(); err != nil {
		m.logger.Warnw("Failed to save endpoint ledger", "error", err)
	}

	m.logger.Infow("Spawned helper", "channel", ep.ChannelID, "node", ep.NodeName, "pid", ep.Pid)

	go m.watch(ep.ChannelID, proc)

	return *ep, nil
}

func (m *Manager) watch(channelID string, proc Process) {
	<-proc.Done()

	m.lock.Lock()
	ep, ok := m.endpoints[channelID]
	if !ok || ep.process != proc || ep.State >= StateTerminating {
		m.lock.Unlock()
		return
	}

	exit := Exit{ChannelID: channelID, Pid: ep.Pid, NodeID: ep.NodeID, Err: proc.Err()}
	ep.State = StateGone
	delete(m.endpoints, channelID)
	m.ledger.remove(channelID)
	if err := m.ledger.save(); err != nil {
		m.logger.Warnw("Failed to save endpoint ledger", "error", err)
	}
	m.lock.Unlock()

	m.logger.Warnw("Helper exited unexpectedly", "channel", channelID, "pid", exit.Pid, "error", exit.Err)

	select {
	case m.exits <- exit:
	case <-m.closed:
	}
}

// Exits reports helpers that died on their own
func (m *Manager) Exits() <-chan Exit {
	return m.exits
}

// Bind records the node the server created for the helper
func (m *Manager) Bind(channelID string, nodeID uint32) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	ep, ok := m.endpoints[channelID]
	if !ok || ep.State != StateSpawned {
		return false
	}

	ep.NodeID = nodeID
	ep.State = StateBound
	m.logger.Debugw("Bound endpoint", "channel", channelID, "node", nodeID)
	return true
}

// Activate marks a bound endpoint as carrying audio
func (m *Manager) Activate(channelID string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	ep, ok := m.endpoints[channelID]
	if !ok || ep.State != StateBound {
		return false
	}

	ep.State = StateActive
	return true
}

// Unbind forgets the node of an endpoint whose node vanished. The helper
// gets a fresh bind timeout to reappear.
func (m *Manager) Unbind(channelID string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	ep, ok := m.endpoints[channelID]
	if !ok || (ep.State != StateBound && ep.State != StateActive) {
		return false
	}

	m.unbindLocked(ep)
	return true
}

// UnbindAll marks every binding stale and restarts every bind timeout, used
// around server reconnects
func (m *Manager) UnbindAll() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, ep := range m.endpoints {
		if ep.State >= StateSpawned && ep.State <= StateActive {
			m.unbindLocked(ep)
		}
	}
}

func (m *Manager) unbindLocked(ep *Endpoint) {
	ep.NodeID = 0
	ep.State = StateSpawned
	ep.CreatedAt = m.now()
}

// Expired stops tracking helpers whose node never showed up and returns
// them. The caller terminates them.
func (m *Manager) Expired(now time.Time) []Endpoint {
	m.lock.Lock()
	defer m.lock.Unlock()

	var expired []Endpoint
	for _, ep := range m.endpoints {
		if ep.State != StateSpawned || now.Sub(ep.CreatedAt) < m.config.BindTimeout {
			continue
		}
		m.detachLocked(ep)
		expired = append(expired, *ep)
		m.logger.Warnw("Helper node did not appear in time", "channel", ep.ChannelID, "pid", ep.Pid, "timeout", m.config.BindTimeout)
	}
	return expired
}

func (m *Manager) detachLocked(ep *Endpoint) {
	ep.State = StateTerminating
	delete(m.endpoints, ep.ChannelID)
	m.ledger.remove(ep.ChannelID)
	if err := m.ledger.save(); err != nil {
		m.logger.Warnw("Failed to save endpoint ledger", "error", err)
	}
}

// Detach stops tracking the channel's helper and returns it for Terminate
func (m *Manager) Detach(channelID string) (Endpoint, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	ep, ok := m.endpoints[channelID]
	if !ok {
		return Endpoint{}, false
	}
	m.detachLocked(ep)
	return *ep, true
}

// Destroy stops tracking the channel's helper and terminates it
func (m *Manager) Destroy(ctx context.Context, channelID string) error {
	ep, ok := m.Detach(channelID)
	if !ok {
		return nil
	}
	return m.Terminate(ctx, ep)
}

// Terminate sends SIGTERM to an untracked helper and escalates to SIGKILL
// after the terminate timeout or when ctx is done.
func (m *Manager) Terminate(ctx context.Context, ep Endpoint) error {
	proc := ep.process
	if proc == nil {
		return nil
	}

	logger := m.logger.With("channel", ep.ChannelID, "pid", ep.Pid)

	if err := proc.Terminate(); err != nil {
		logger.Debugw("Failed to signal helper", "error", err)
	}

	timer := time.NewTimer(m.config.TerminateTimeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
		logger.Debug("Helper terminated")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	logger.Warn("Helper ignored SIGTERM, killing it")
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill helper for channel %s: %w", ep.ChannelID, err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(m.config.TerminateTimeout):
		return fmt.Errorf("helper for channel %s (pid %d) did not exit", ep.ChannelID, ep.Pid)
	}
}

// TerminateAll destroys every helper. It is the termination hook for both
// graceful shutdown and the signal handler.
func (m *Manager) TerminateAll() error {
	var errs error
	for _, ep := range m.List() {
		errs = multierr.Append(errs, m.Destroy(context.Background(), ep.ChannelID))
	}
	return errs
}

// Close stops exit reporting
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}

func (m *Manager) Get(channelID string) (Endpoint, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	ep, ok := m.endpoints[channelID]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// List returns every tracked endpoint ordered by channel
func (m *Manager) List() []Endpoint {
	m.lock.Lock()
	defer m.lock.Unlock()

	list := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		list = append(list, *ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ChannelID < list[j].ChannelID })
	return list
}
