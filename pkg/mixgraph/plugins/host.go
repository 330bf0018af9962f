package plugins

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
)

// a process call may take this many block periods before it counts as a fault
const processBudgetBlocks = 2

const (
	faultPanic    = "panicked while processing"
	faultReported = "reported an error while processing"
	faultOverrun  = "exceeded its processing time"
)

// Fault describes an instance the host deactivated on the audio path
type Fault struct {
	Handle   Handle
	PluginID string
	Reason   string
}

type instance struct {
	handle Handle
	desc   Descriptor
	effect Effect
	state  State

	sampleRate float64
	blockSize  int
	budget     time.Duration

	faulted       bool
	faultReason   string
	faultReported bool
}

// Host owns every plugin instance. Control code may block on its lock; the
// audio path only ever TryLocks it and skips work on contention.
type Host struct {
	logger *zap.SugaredLogger
	dirs   []string
	opener Opener

	lock       sync.Mutex
	catalog    map[string]*Descriptor
	instances  map[Handle]*instance
	nextHandle Handle

	faultsPending atomic.Bool
}

type Option func(*Host)

// WithOpener replaces the Go plugin loader used for native plugins
func WithOpener(opener Opener) Option {
	return func(h *Host) {
		h.opener = opener
	}
}

func NewHost(logger *zap.SugaredLogger, dirs []string, opts ...Option) *Host {
	logger = logger.Named("plugins")

	h := &Host{
		logger:    logger,
		dirs:      dirs,
		opener:    openGoPlugin,
		catalog:   make(map[string]*Descriptor),
		instances: make(map[Handle]*instance),
	}

	for _, opt := range opts {
		opt(h)
	}

	logger.Debugw("Created plugin host instance", "dirs", dirs, "abi", HostABI.String())

	return h
}

// Discover rebuilds the catalog from the builtins and the plugin directories.
// No plugin code runs during discovery.
func (h *Host) Discover() []Descriptor {
	found := builtinDescriptors()
	for _, dir := range h.dirs {
		found = append(found, scanDirectory(h.logger, dir)...)
	}

	catalog := make(map[string]*Descriptor, len(found))
	for i := range found {
		desc := &found[i]

		if desc.State == StateValidated {
			if _, dup := catalog[desc.ID]; dup {
				*desc = reject(*desc, "duplicate plugin id")
			}
		}

		if desc.State == StateRejected {
			h.logger.Warnw("Rejected plugin", "id", desc.ID, "path", desc.Path, "reason", desc.RejectReason)
			continue
		}

		catalog[desc.ID] = desc
	}

	h.lock.Lock()
	h.catalog = catalog
	h.lock.Unlock()

	h.logger.Infow("Discovered plugins", "total", len(found), "usable", len(catalog))

	return found
}

// Catalog returns the usable descriptors from the last discovery
func (h *Host) Catalog() []Descriptor {
	h.lock.Lock()
	defer h.lock.Unlock()

	out := make([]Descriptor, 0, len(h.catalog))
	for _, desc := range h.catalog {
		out = append(out, *desc)
	}
	return out
}

// Load creates an instance of a validated plugin. Native libraries are opened
// outside the host lock so the audio path keeps running.
func (h *Host) Load(id string) (Handle, error) {
	h.lock.Lock()
	desc, ok := h.catalog[id]
	var snapshot Descriptor
	if ok {
		snapshot = *desc
	}
	h.lock.Unlock()

	if !ok {
		return 0, errkind.Newf(errkind.NotFound, "load plugin", "no plugin %q", id)
	}
	if snapshot.State != StateValidated {
		return 0, errkind.Newf(errkind.PluginRejected, "load plugin", "%s: %s", id, snapshot.RejectReason)
	}

	effect, err := h.instantiate(snapshot)
	if err != nil {
		h.logger.Warnw("Rejected plugin at load", "id", id, "error", err)

		h.lock.Lock()
		if desc, ok := h.catalog[id]; ok {
			desc.State = StateRejected
			desc.RejectReason = err.Error()
		}
		h.lock.Unlock()

		return 0, errkind.New(errkind.PluginRejected, "load plugin", err)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	h.nextHandle++
	handle := h.nextHandle
	h.instances[handle] = &instance{
		handle: handle,
		desc:   snapshot,
		effect: effect,
		state:  StateLoaded,
	}

	h.logger.Debugw("Loaded plugin", "id", id, "handle", handle)

	return handle, nil
}

func (h *Host) instantiate(desc Descriptor) (Effect, error) {
	switch desc.Kind {
	case KindBuiltin:
		factory, ok := builtinFactory(desc.ID)
		if !ok {
			return nil, fmt.Errorf("no builtin named %q", desc.ID)
		}
		return factory(), nil

	case KindNative:
		entry, err := h.opener(desc.Path)
		if err != nil {
			return nil, err
		}
		if !entry.ABI.CompatibleWith(HostABI) {
			return nil, fmt.Errorf("library abi %s is not compatible with host abi %s", entry.ABI, HostABI)
		}
		if entry.Info.ID != desc.ID {
			return nil, fmt.Errorf("library reports id %q, manifest says %q", entry.Info.ID, desc.ID)
		}
		if desc.Features&^entry.Info.Features != 0 {
			return nil, fmt.Errorf("library lacks capabilities declared in its manifest")
		}
		if entry.New == nil {
			return nil, fmt.Errorf("library has no constructor")
		}
		return entry.New(), nil

	default:
		return nil, fmt.Errorf("unsupported plugin kind %s", desc.Kind)
	}
}

func (h *Host) Activate(handle Handle, sampleRate float64, blockSize int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return err
	}

	switch {
	case inst.state == StateActive:
		return nil
	case inst.faulted:
		return errkind.Newf(errkind.PluginFault, "activate plugin", "%s %s, reload it first", inst.desc.ID, inst.faultReason)
	case inst.state != StateLoaded && inst.state != StateDeactivated:
		return fmt.Errorf("activate plugin: instance is %s", inst.state)
	}

	if err := inst.effect.Activate(sampleRate, blockSize); err != nil {
		h.logger.Warnw("Plugin refused activation", "id", inst.desc.ID, "handle", handle, "error", err)
		return fmt.Errorf("activate plugin %s: %w", inst.desc.ID, err)
	}

	inst.sampleRate = sampleRate
	inst.blockSize = blockSize
	inst.budget = time.Duration(processBudgetBlocks * float64(blockSize) / sampleRate * float64(time.Second))
	inst.state = StateActive

	return nil
}

func (h *Host) Deactivate(handle Handle) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return err
	}
	if inst.state != StateActive {
		return nil
	}

	inst.effect.Deactivate()
	inst.state = StateDeactivated

	return nil
}

// Unload releases the instance and forgets it. Handles are never reused, so
// late calls with it still get ErrUnloaded.
func (h *Host) Unload(handle Handle) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, ok := h.instances[handle]
	if !ok {
		if h.issued(handle) {
			return nil
		}
		return ErrUnknownHandle
	}

	switch {
	case inst.state == StateActive:
		inst.effect.Deactivate()
	case inst.faulted && !inst.faultReported:
		// the fault is moot now, but the effect still needs its Deactivate
		h.deactivateFaulted(inst)
	}
	inst.effect = nil
	inst.state = StateUnloaded
	delete(h.instances, handle)

	h.logger.Debugw("Unloaded plugin", "id", inst.desc.ID, "handle", handle)

	return nil
}

// issued reports whether the handle was ever handed out
func (h *Host) issued(handle Handle) bool {
	return handle > 0 && handle <= h.nextHandle
}

// missing is the error for a handle that has no instance
func (h *Host) missing(handle Handle) error {
	if h.issued(handle) {
		return ErrUnloaded
	}
	return ErrUnknownHandle
}

func (h *Host) State(handle Handle) (State, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, ok := h.instances[handle]
	if !ok {
		if h.issued(handle) {
			return StateUnloaded, nil
		}
		return 0, ErrUnknownHandle
	}
	return inst.state, nil
}

// Process runs one instance. It is meant for the audio path: it never
// blocks and never allocates.
func (h *Host) Process(handle Handle, in, out [][]float32) error {
	if !h.lock.TryLock() {
		return ErrBusy
	}
	defer h.lock.Unlock()

	inst, ok := h.instances[handle]
	if !ok {
		return h.missing(handle)
	}
	return h.processLocked(inst, in, out)
}

// ProcessChain runs handles in order over buf, using scratch as the output of
// each stage. Instances that are not active are skipped. On ErrBusy the
// caller should pass buf through untouched.
func (h *Host) ProcessChain(handles []Handle, buf, scratch [][]float32) error {
	if !h.lock.TryLock() {
		return ErrBusy
	}
	defer h.lock.Unlock()

	for _, handle := range handles {
		inst, ok := h.instances[handle]
		if !ok || inst.state != StateActive {
			continue
		}
		if err := h.processLocked(inst, buf, scratch); err != nil {
			continue
		}
		for c := range buf {
			copy(buf[c], scratch[c])
		}
	}

	return nil
}

func (h *Host) processLocked(inst *instance, in, out [][]float32) (err error) {
	switch inst.state {
	case StateActive:
	case StateUnloaded:
		return ErrUnloaded
	default:
		return ErrNotActive
	}

	if len(in) != inst.desc.Inputs || len(out) != inst.desc.Outputs || len(in) == 0 {
		return ErrBufferShape
	}
	frames := len(in[0])
	if frames > inst.blockSize {
		return ErrBufferShape
	}
	for c := range in {
		if len(in[c]) != frames {
			return ErrBufferShape
		}
	}
	for c := range out {
		if len(out[c]) != frames {
			return ErrBufferShape
		}
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h.faultLocked(inst, faultPanic)
			err = errkind.ErrPluginFault
		}
	}()

	if perr := inst.effect.Process(in, out); perr != nil {
		h.faultLocked(inst, faultReported)
		return errkind.ErrPluginFault
	}

	if time.Since(start) > inst.budget {
		h.faultLocked(inst, faultOverrun)
		return errkind.ErrPluginFault
	}

	return nil
}

// faultLocked only flips state; the effect's Deactivate runs later on the control path
func (h *Host) faultLocked(inst *instance, reason string) {
	inst.state = StateDeactivated
	inst.faulted = true
	inst.faultReason = reason
	h.faultsPending.Store(true)
}

// CollectFaults finishes deactivating faulted instances and reports each fault once
func (h *Host) CollectFaults() []Fault {
	if !h.faultsPending.Swap(false) {
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	var faults []Fault
	for _, inst := range h.instances {
		if !inst.faulted || inst.faultReported {
			continue
		}

		inst.faultReported = true
		h.deactivateFaulted(inst)

		faults = append(faults, Fault{Handle: inst.handle, PluginID: inst.desc.ID, Reason: inst.faultReason})
		h.logger.Warnw("Plugin faulted and was deactivated",
			"id", inst.desc.ID, "handle", inst.handle, "reason", inst.faultReason)
	}

	return faults
}

func (h *Host) deactivateFaulted(inst *instance) {
	if inst.effect == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warnw("Plugin panicked during deactivation", "id", inst.desc.ID, "panic", r)
		}
	}()
	inst.effect.Deactivate()
}

func (h *Host) Parameters(handle Handle) ([]ParameterValue, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return nil, err
	}

	infos := inst.effect.Parameters()
	values := make([]ParameterValue, 0, len(infos))
	for _, info := range infos {
		values = append(values, ParameterValue{ParameterInfo: info, Value: inst.effect.Parameter(info.Index)})
	}
	return values, nil
}

func (h *Host) Parameter(handle Handle, index int) (float32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return 0, err
	}
	if err := checkIndex(inst, index); err != nil {
		return 0, err
	}
	return inst.effect.Parameter(index), nil
}

func (h *Host) SetParameter(handle Handle, index int, value float32) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return err
	}
	if err := checkIndex(inst, index); err != nil {
		return err
	}

	inst.effect.SetParameter(index, value)
	return nil
}

// SetParameterRT is SetParameter for the audio path. It gives up silently
// when the host is busy and reports whether the value was applied.
func (h *Host) SetParameterRT(handle Handle, index int, value float32) bool {
	if !h.lock.TryLock() {
		return false
	}
	defer h.lock.Unlock()

	inst, ok := h.instances[handle]
	if !ok || inst.effect == nil || index < 0 || index >= len(inst.effect.Parameters()) {
		return false
	}

	inst.effect.SetParameter(index, value)
	return true
}

// SaveState returns the plugin's opaque state blob
func (h *Host) SaveState(handle Handle) ([]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return nil, err
	}
	if inst.desc.Features&CapState == 0 {
		return nil, errkind.Newf(errkind.InvalidArgument, "save plugin state", "%s has no state support", inst.desc.ID)
	}

	return inst.effect.SaveState()
}

func (h *Host) LoadState(handle Handle, data []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return err
	}
	if inst.desc.Features&CapState == 0 {
		return errkind.Newf(errkind.InvalidArgument, "load plugin state", "%s has no state support", inst.desc.ID)
	}

	if err := inst.effect.LoadState(data); err != nil {
		return fmt.Errorf("load plugin state for %s: %w", inst.desc.ID, err)
	}
	return nil
}

// Latency reports the delay an instance adds, in frames. Plugins that don't
// declare the latency capability add none.
func (h *Host) Latency(handle Handle) (int, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, err := h.lookup(handle)
	if err != nil {
		return 0, err
	}
	if inst.desc.Features&CapLatency == 0 {
		return 0, nil
	}
	return inst.effect.Latency(), nil
}

func (h *Host) Descriptor(handle Handle) (Descriptor, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	inst, ok := h.instances[handle]
	if !ok {
		return Descriptor{}, h.missing(handle)
	}
	return inst.desc, nil
}

// lookup returns an instance that still has an effect attached
func (h *Host) lookup(handle Handle) (*instance, error) {
	inst, ok := h.instances[handle]
	if !ok {
		return nil, h.missing(handle)
	}
	return inst, nil
}

func checkIndex(inst *instance, index int) error {
	if index < 0 || index >= len(inst.effect.Parameters()) {
		return errkind.Newf(errkind.InvalidArgument, "plugin parameter", "%s has no parameter %d", inst.desc.ID, index)
	}
	return nil
}
