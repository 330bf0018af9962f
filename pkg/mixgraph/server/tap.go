package server

import (
	"fmt"
	"math"
	"time"

	"github.com/jfreymuth/pulse"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

const (
	tapChannels = 2
	// blocks of processed audio buffered between the record and playback streams
	tapQueueBlocks = 8
)

// TapSpec describes a channel's monitor tap
type TapSpec struct {
	ChannelID string
	// NodeName is the channel's sink or source
	NodeName string
	Source   bool

	Meter *realtime.MeterRing

	// Process runs the channel's effect chain in place on planar blocks.
	// With Process set the tap also plays the result to PlaybackSink.
	Process func(buf [][]float32)
	// PlaybackSink is the device node name; empty means the default sink
	PlaybackSink string

	SampleRate int
	BlockSize  int
}

// Tap is an open monitor tap
type Tap interface {
	Close() error
}

type tap struct {
	logger *zap.SugaredLogger
	spec   TapSpec

	record   *pulse.RecordStream
	playback *pulse.PlaybackStream

	planar [][]float32
	view   [][]float32
	queue  *sampleQueue
}

func openTap(logger *zap.SugaredLogger, client *pulse.Client, spec TapSpec) (*tap, error) {
	if spec.SampleRate <= 0 || spec.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid tap format %d Hz / %d frames", spec.SampleRate, spec.BlockSize)
	}

	t := &tap{
		logger: logger.With("channel", spec.ChannelID),
		spec:   spec,
		planar: [][]float32{make([]float32, spec.BlockSize), make([]float32, spec.BlockSize)},
		view:   make([][]float32, tapChannels),
	}

	fragment := uint32(spec.BlockSize * tapChannels * 4)
	recordOpts := []pulse.RecordOption{
		pulse.RecordStereo,
		pulse.RecordSampleRate(spec.SampleRate),
		pulse.RecordBufferFragmentSize(fragment),
		pulse.RecordMediaName("mixgraph tap " + spec.ChannelID),
	}

	if spec.Source {
		source, err := findSource(client, spec.NodeName)
		if err != nil {
			return nil, err
		}
		recordOpts = append(recordOpts, pulse.RecordSource(source))
	} else {
		sink, err := client.SinkByID(spec.NodeName)
		if err != nil {
			return nil, fmt.Errorf("find sink %s: %w", spec.NodeName, err)
		}
		recordOpts = append(recordOpts, pulse.RecordMonitor(sink))
	}

	if spec.Process != nil && !spec.Source {
		device, err := playbackSink(client, spec.PlaybackSink)
		if err != nil {
			return nil, err
		}

		t.queue = newSampleQueue(spec.BlockSize * tapChannels * tapQueueBlocks)

		playback, err := client.NewPlayback(pulse.Float32Reader(func(out []float32) (int, error) {
			t.fill(out)
			return len(out), nil
		}),
			pulse.PlaybackStereo,
			pulse.PlaybackSampleRate(spec.SampleRate),
			pulse.PlaybackSink(device),
			pulse.PlaybackBufferSize(int(fragment)*2),
		)
		if err != nil {
			return nil, fmt.Errorf("create playback stream: %w", err)
		}
		t.playback = playback
		// playback has to be running before the record callback can feed it
		playback.Start()
	}

	record, err := client.NewRecord(pulse.Float32Writer(func(interleaved []float32) (int, error) {
		t.consume(interleaved)
		return len(interleaved), nil
	}), recordOpts...)
	if err != nil {
		if t.playback != nil {
			t.playback.Stop()
		}
		return nil, fmt.Errorf("create record stream: %w", err)
	}
	t.record = record
	record.Start()

	t.logger.Debugw("Opened monitor tap", "node", spec.NodeName, "processing", t.playback != nil)

	return t, nil
}

func findSource(client *pulse.Client, name string) (*pulse.Source, error) {
	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	for _, s := range sources {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("source %s not found", name)
}

func playbackSink(client *pulse.Client, name string) (*pulse.Sink, error) {
	if name == "" {
		sink, err := client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("get default sink: %w", err)
		}
		return sink, nil
	}

	sink, err := client.SinkByID(name)
	if err != nil {
		return nil, fmt.Errorf("find sink %s: %w", name, err)
	}
	return sink, nil
}

// consume runs on the client's read goroutine for every recorded fragment.
// It must not allocate.
func (t *tap) consume(interleaved []float32) {
	block := t.spec.BlockSize * tapChannels

	for len(interleaved) > 0 {
		n := len(interleaved)
		if n > block {
			n = block
		}
		t.block(interleaved[:n])
		interleaved = interleaved[n:]
	}
}

func (t *tap) block(interleaved []float32) {
	frames := len(interleaved) / tapChannels
	left, right := t.planar[0][:frames], t.planar[1][:frames]
	for i := 0; i < frames; i++ {
		left[i] = interleaved[2*i]
		right[i] = interleaved[2*i+1]
	}

	if t.queue != nil {
		t.view[0], t.view[1] = left, right
		t.spec.Process(t.view)
		for i := 0; i < frames; i++ {
			t.queue.push(left[i])
			t.queue.push(right[i])
		}
	}

	if t.spec.Meter != nil {
		peak, rms := measure(left, right)
		t.spec.Meter.Push(realtime.MeterSample{Peak: peak, RMS: rms, At: time.Now().UnixNano()})
	}
}

// fill feeds the playback stream; underruns play silence
func (t *tap) fill(out []float32) {
	for i := range out {
		v, ok := t.queue.pop()
		if !ok {
			v = 0
		}
		out[i] = v
	}
}

func measure(channels ...[]float32) (peak, rms float32) {
	var (
		sum   float64
		count int
	)
	for _, ch := range channels {
		for _, s := range ch {
			a := float32(math.Abs(float64(s)))
			if a > peak {
				peak = a
			}
			sum += float64(s) * float64(s)
		}
		count += len(ch)
	}
	if count > 0 {
		rms = float32(math.Sqrt(sum / float64(count)))
	}
	return peak, rms
}

func (t *tap) Close() error {
	if t.record != nil && !t.record.Closed() {
		t.record.Close()
	}
	if t.playback != nil {
		t.playback.Stop()
	}
	t.logger.Debug("Closed monitor tap")
	return nil
}

// sampleQueue is a fixed size FIFO between the record and playback callbacks,
// which the client runs on the same goroutine. Overflow drops the oldest sample.
type sampleQueue struct {
	buf  []float32
	head int
	size int
}

func newSampleQueue(capacity int) *sampleQueue {
	return &sampleQueue{buf: make([]float32, capacity)}
}

func (q *sampleQueue) push(v float32) {
	tail := (q.head + q.size) % len(q.buf)
	q.buf[tail] = v
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		return
	}
	q.size++
}

func (q *sampleQueue) pop() (float32, bool) {
	if q.size == 0 {
		return 0, false
	}
	v := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}
