package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
)

const (
	testRate  = 48000
	testBlock = 256
)

func stereo(frames int, value float32) [][]float32 {
	buf := [][]float32{make([]float32, frames), make([]float32, frames)}
	for c := range buf {
		for i := range buf[c] {
			buf[c][i] = value
		}
	}
	return buf
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	h := NewHost(zaptest.NewLogger(t).Sugar(), nil, opts...)
	h.Discover()
	return h
}

func activeGain(t *testing.T, h *Host) Handle {
	handle, err := h.Load(GainID)
	require.NoError(t, err)
	require.NoError(t, h.Activate(handle, testRate, testBlock))
	return handle
}

func TestProcessAfterActivate(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	require.NoError(t, h.SetParameter(handle, 0, 6.0206))

	in := stereo(testBlock, 0.25)
	out := stereo(testBlock, 0)
	require.NoError(t, h.Process(handle, in, out))
	assert.InDelta(t, 0.5, out[0][0], 1e-3)
	assert.InDelta(t, 0.5, out[1][testBlock-1], 1e-3)
}

func TestProcessDoesNotAllocate(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	in := stereo(testBlock, 0.1)
	out := stereo(testBlock, 0)

	allocs := testing.AllocsPerRun(200, func() {
		_ = h.Process(handle, in, out)
	})
	assert.Zero(t, allocs)

	chain := []Handle{handle}
	allocs = testing.AllocsPerRun(200, func() {
		_ = h.ProcessChain(chain, in, out)
	})
	assert.Zero(t, allocs)
}

func TestProcessRejectsInactiveInstances(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	in := stereo(testBlock, 0.3)
	out := stereo(testBlock, 0)

	require.NoError(t, h.Deactivate(handle))
	assert.ErrorIs(t, h.Process(handle, in, out), ErrNotActive)
	assert.Zero(t, out[0][0], "no audio copied for a deactivated instance")

	require.NoError(t, h.Unload(handle))
	assert.ErrorIs(t, h.Process(handle, in, out), ErrUnloaded)
	assert.Zero(t, out[0][0])

	assert.ErrorIs(t, h.Process(Handle(999), in, out), ErrUnknownHandle)
}

func TestProcessLoadedButNotActivated(t *testing.T) {
	h := newTestHost(t)
	handle, err := h.Load(LimiterID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), ErrNotActive)
}

func TestProcessChecksBufferShape(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	assert.ErrorIs(t, h.Process(handle, stereo(testBlock+1, 0), stereo(testBlock+1, 0)), ErrBufferShape)
	assert.ErrorIs(t, h.Process(handle, stereo(8, 0)[:1], stereo(8, 0)), ErrBufferShape)
	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(4, 0)), ErrBufferShape)
}

func TestProcessSkipsWhenHostBusy(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	h.lock.Lock()
	err := h.Process(handle, stereo(8, 0), stereo(8, 0))
	applied := h.SetParameterRT(handle, 0, -6)
	h.lock.Unlock()

	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, applied)

	v, err := h.Parameter(handle, 0)
	require.NoError(t, err)
	assert.Zero(t, v, "contended realtime writes are dropped")

	assert.True(t, h.SetParameterRT(handle, 0, -6))
	v, _ = h.Parameter(handle, 0)
	assert.Equal(t, float32(-6), v)
}

func TestChainRunsInOrder(t *testing.T) {
	h := newTestHost(t)
	gain := activeGain(t, h)
	limiter, err := h.Load(LimiterID)
	require.NoError(t, err)
	require.NoError(t, h.Activate(limiter, testRate, testBlock))

	require.NoError(t, h.SetParameter(gain, 0, 12))
	require.NoError(t, h.SetParameter(limiter, 0, -6.0206))

	buf := stereo(16, 0.2)
	scratch := stereo(16, 0)
	require.NoError(t, h.ProcessChain([]Handle{gain, limiter}, buf, scratch))

	// 0.2 * 4 = 0.8, then limited to 0.5
	assert.InDelta(t, 0.5, buf[0][0], 1e-3)
}

type faultyEffect struct {
	*paramEffect
	panics bool
	delay  time.Duration
	fail   bool

	deactivated int
}

func (f *faultyEffect) Process(in, out [][]float32) error {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return errors.New("corrupt")
	}
	return f.paramEffect.Process(in, out)
}

func (f *faultyEffect) Deactivate() {
	f.deactivated++
	f.paramEffect.Deactivate()
}

func nativeFixture(t *testing.T, effect func() Effect, abi ABIVersion) *Host {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faulty.so"), []byte("not really"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faulty.toml"), []byte(`
id = "test.faulty"
name = "Faulty"
inputs = 2
outputs = 2

[abi]
major = 1
minor = 0
`), 0o644))

	opener := func(path string) (Entry, error) {
		assert.Equal(t, filepath.Join(dir, "faulty.so"), path)
		return Entry{
			ABI:  abi,
			Info: Info{ID: "test.faulty", Inputs: 2, Outputs: 2},
			New:  effect,
		}, nil
	}

	h := NewHost(zaptest.NewLogger(t).Sugar(), []string{dir}, WithOpener(opener))
	h.Discover()
	return h
}

func TestPanickingPluginIsDeactivated(t *testing.T) {
	h := nativeFixture(t, func() Effect {
		return &faultyEffect{paramEffect: newParamEffect(gainParams, processGain), panics: true}
	}, HostABI)

	handle, err := h.Load("test.faulty")
	require.NoError(t, err)
	require.NoError(t, h.Activate(handle, testRate, testBlock))

	err = h.Process(handle, stereo(8, 0), stereo(8, 0))
	assert.ErrorIs(t, err, errkind.ErrPluginFault)

	state, _ := h.State(handle)
	assert.Equal(t, StateDeactivated, state)
	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), ErrNotActive)

	faults := h.CollectFaults()
	require.Len(t, faults, 1)
	assert.Equal(t, "test.faulty", faults[0].PluginID)
	assert.Empty(t, h.CollectFaults(), "faults are reported once")

	assert.ErrorIs(t, h.Activate(handle, testRate, testBlock), errkind.ErrPluginFault,
		"a faulted instance must be reloaded")
}

func TestUnloadForgetsInstances(t *testing.T) {
	var effect *faultyEffect
	h := nativeFixture(t, func() Effect {
		effect = &faultyEffect{paramEffect: newParamEffect(gainParams, processGain), panics: true}
		return effect
	}, HostABI)

	handle, err := h.Load("test.faulty")
	require.NoError(t, err)
	require.NoError(t, h.Activate(handle, testRate, testBlock))
	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), errkind.ErrPluginFault)

	// unloaded before the fault was collected
	require.NoError(t, h.Unload(handle))
	assert.Equal(t, 1, effect.deactivated)
	assert.Empty(t, h.CollectFaults())
	assert.Equal(t, 1, effect.deactivated)

	state, err := h.State(handle)
	require.NoError(t, err)
	assert.Equal(t, StateUnloaded, state)
	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), ErrUnloaded)
	_, err = h.Parameters(handle)
	assert.ErrorIs(t, err, ErrUnloaded)
	require.NoError(t, h.Unload(handle))
	assert.ErrorIs(t, h.Unload(Handle(999)), ErrUnknownHandle)

	for i := 0; i < 5; i++ {
		gain := activeGain(t, h)
		require.NoError(t, h.Unload(gain))
	}
	assert.Empty(t, h.instances)
}

type delayEffect struct {
	*paramEffect
}

func (d *delayEffect) Latency() int { return 128 }

func TestLatencyNeedsTheCapability(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delay.so"), []byte("not really"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delay.toml"), []byte(`
id = "test.delay"
name = "Delay"
inputs = 2
outputs = 2
capabilities = ["latency"]

[abi]
major = 1
minor = 0
`), 0o644))

	opener := func(path string) (Entry, error) {
		return Entry{
			ABI:  HostABI,
			Info: Info{ID: "test.delay", Inputs: 2, Outputs: 2, Features: CapLatency},
			New:  func() Effect { return &delayEffect{paramEffect: newParamEffect(gainParams, processGain)} },
		}, nil
	}
	h := NewHost(zaptest.NewLogger(t).Sugar(), []string{dir}, WithOpener(opener))
	h.Discover()

	delay, err := h.Load("test.delay")
	require.NoError(t, err)
	latency, err := h.Latency(delay)
	require.NoError(t, err)
	assert.Equal(t, 128, latency)

	gain := activeGain(t, h)
	latency, err = h.Latency(gain)
	require.NoError(t, err)
	assert.Zero(t, latency)

	require.NoError(t, h.Unload(delay))
	_, err = h.Latency(delay)
	assert.ErrorIs(t, err, ErrUnloaded)
}

func TestReportedErrorFaults(t *testing.T) {
	h := nativeFixture(t, func() Effect {
		return &faultyEffect{paramEffect: newParamEffect(gainParams, processGain), fail: true}
	}, HostABI)

	handle, err := h.Load("test.faulty")
	require.NoError(t, err)
	require.NoError(t, h.Activate(handle, testRate, testBlock))

	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), errkind.ErrPluginFault)
}

func TestOverrunFaults(t *testing.T) {
	h := nativeFixture(t, func() Effect {
		return &faultyEffect{paramEffect: newParamEffect(gainParams, processGain), delay: 30 * time.Millisecond}
	}, HostABI)

	handle, err := h.Load("test.faulty")
	require.NoError(t, err)
	// 64 frames at 48kHz gives a budget well under the delay
	require.NoError(t, h.Activate(handle, testRate, 64))

	assert.ErrorIs(t, h.Process(handle, stereo(8, 0), stereo(8, 0)), errkind.ErrPluginFault)
}

func TestNativeABIMismatchRejectedAtLoad(t *testing.T) {
	h := nativeFixture(t, func() Effect { return newParamEffect(gainParams, processGain) }, ABIVersion{Major: 2})

	_, err := h.Load("test.faulty")
	assert.ErrorIs(t, err, errkind.ErrPluginRejected)

	_, err = h.Load("test.faulty")
	assert.ErrorIs(t, err, errkind.ErrPluginRejected, "the descriptor stays rejected")
}

func TestStateRoundTripThroughHost(t *testing.T) {
	h := newTestHost(t)
	a := activeGain(t, h)
	require.NoError(t, h.SetParameter(a, 0, -12))

	blob, err := h.SaveState(a)
	require.NoError(t, err)

	b := activeGain(t, h)
	require.NoError(t, h.LoadState(b, blob))

	v, err := h.Parameter(b, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(-12), v)

	assert.Error(t, h.LoadState(b, []byte{9, 9}))
}

func TestParametersAndIndexValidation(t *testing.T) {
	h := newTestHost(t)
	handle := activeGain(t, h)

	params, err := h.Parameters(handle)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "gain", params[0].ID)
	assert.Equal(t, float32(0), params[0].Value)

	assert.ErrorIs(t, h.SetParameter(handle, 3, 1), errkind.ErrInvalidArgument)
	require.NoError(t, h.SetParameter(handle, 0, 100))
	v, _ := h.Parameter(handle, 0)
	assert.Equal(t, float32(24), v, "values are clamped to the parameter range")
}

func TestLoadUnknownPlugin(t *testing.T) {
	h := newTestHost(t)
	_, err := h.Load("nope")
	assert.ErrorIs(t, err, errkind.ErrNotFound)
}
