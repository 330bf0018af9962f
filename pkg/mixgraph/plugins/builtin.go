package plugins

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

const (
	GainID    = "builtin.gain"
	LimiterID = "builtin.limiter"

	stateFormatVersion = 1
)

type builtinPlugin struct {
	info Info
	new  func() Effect
}

var builtins = []builtinPlugin{
	{
		info: Info{ID: GainID, Name: "Gain", Vendor: "mixgraph", Version: "1.0.0", Inputs: 2, Outputs: 2, Features: CapState},
		new:  func() Effect { return newParamEffect(gainParams, processGain) },
	},
	{
		info: Info{ID: LimiterID, Name: "Limiter", Vendor: "mixgraph", Version: "1.0.0", Inputs: 2, Outputs: 2, Features: CapState},
		new:  func() Effect { return newParamEffect(limiterParams, processLimiter) },
	},
}

func builtinDescriptors() []Descriptor {
	descriptors := make([]Descriptor, 0, len(builtins))
	for _, b := range builtins {
		descriptors = append(descriptors, Descriptor{
			Info:  b.info,
			Kind:  KindBuiltin,
			ABI:   HostABI,
			State: StateValidated,
		})
	}
	return descriptors
}

func builtinFactory(id string) (func() Effect, bool) {
	for _, b := range builtins {
		if b.info.ID == id {
			return b.new, true
		}
	}
	return nil, false
}

var gainParams = []ParameterInfo{
	{Index: 0, ID: "gain", Name: "Gain", Unit: "dB", Min: -60, Max: 24, Default: 0},
}

var limiterParams = []ParameterInfo{
	{Index: 0, ID: "threshold", Name: "Threshold", Unit: "dB", Min: -24, Max: 0, Default: -1},
}

func processGain(values []realtime.AtomicFloat32, in, out [][]float32) {
	g := realtime.DBToLinear(values[0].Load())
	for c := range in {
		src, dst := in[c], out[c]
		for i := range src {
			dst[i] = src[i] * g
		}
	}
}

func processLimiter(values []realtime.AtomicFloat32, in, out [][]float32) {
	t := realtime.DBToLinear(values[0].Load())
	for c := range in {
		src, dst := in[c], out[c]
		for i, s := range src {
			switch {
			case s > t:
				dst[i] = t
			case s < -t:
				dst[i] = -t
			default:
				dst[i] = s
			}
		}
	}
}

// paramEffect is a stateless per-sample effect driven by a parameter vector.
// Parameters are atomics so the audio path can read them while control code writes.
type paramEffect struct {
	params  []ParameterInfo
	values  []realtime.AtomicFloat32
	process func(values []realtime.AtomicFloat32, in, out [][]float32)
}

func newParamEffect(params []ParameterInfo, process func([]realtime.AtomicFloat32, [][]float32, [][]float32)) *paramEffect {
	e := &paramEffect{
		params:  params,
		values:  make([]realtime.AtomicFloat32, len(params)),
		process: process,
	}
	e.Reset()
	return e
}

func (e *paramEffect) Parameters() []ParameterInfo {
	return e.params
}

func (e *paramEffect) Activate(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 || maxBlockSize <= 0 {
		return errors.New("invalid activation parameters")
	}
	return nil
}

func (e *paramEffect) Deactivate() {}

func (e *paramEffect) Process(in, out [][]float32) error {
	e.process(e.values, in, out)
	return nil
}

func (e *paramEffect) Parameter(index int) float32 {
	if index < 0 || index >= len(e.values) {
		return 0
	}
	return e.values[index].Load()
}

func (e *paramEffect) SetParameter(index int, value float32) {
	if index < 0 || index >= len(e.values) {
		return
	}
	e.values[index].Store(e.params[index].Clamp(value))
}

// SaveState writes a version byte followed by the parameter values, little-endian
func (e *paramEffect) SaveState() ([]byte, error) {
	buf := make([]byte, 1+4*len(e.values))
	buf[0] = stateFormatVersion
	for i := range e.values {
		binary.LittleEndian.PutUint32(buf[1+4*i:], math.Float32bits(e.values[i].Load()))
	}
	return buf, nil
}

func (e *paramEffect) LoadState(data []byte) error {
	if len(data) == 0 || data[0] != stateFormatVersion {
		return errors.New("unsupported state format")
	}
	if len(data) != 1+4*len(e.values) {
		return errors.New("state size does not match parameter count")
	}
	for i := range e.values {
		e.SetParameter(i, math.Float32frombits(binary.LittleEndian.Uint32(data[1+4*i:])))
	}
	return nil
}

func (e *paramEffect) Reset() {
	for i, p := range e.params {
		e.values[i].Store(p.Default)
	}
}

func (e *paramEffect) Latency() int {
	return 0
}
