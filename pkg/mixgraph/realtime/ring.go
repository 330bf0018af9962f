package realtime

import (
	"math"
	"sync/atomic"
)

// MeterSample is one level reading. At is unix nanoseconds.
type MeterSample struct {
	Peak float32
	RMS  float32
	At   int64
}

type meterSlot struct {
	// 2*index+1 while the producer writes it, 2*index+2 once committed
	seq  atomic.Uint64
	peak atomic.Uint32
	rms  atomic.Uint32
	at   atomic.Int64
}

// MeterRing is a fixed-size single-producer/single-consumer queue of meter
// samples. It is lossy on purpose: when the consumer falls behind, Push
// overwrites the oldest unread sample and the newest one is always kept.
// Exactly one goroutine may call Push and exactly one may call Pop/Drain.
type MeterRing struct {
	slots []meterSlot
	size  uint64

	write atomic.Uint64
	read  atomic.Uint64
}

func NewMeterRing(capacity int) *MeterRing {
	if capacity < 1 {
		capacity = 1
	}

	return &MeterRing{
		slots: make([]meterSlot, capacity),
		size:  uint64(capacity),
	}
}

func (r *MeterRing) Cap() int {
	return int(r.size)
}

// Len is a snapshot and may be stale by the time it returns
func (r *MeterRing) Len() int {
	w := r.write.Load()
	rd := r.read.Load()
	if w-rd > r.size {
		return int(r.size)
	}
	return int(w - rd)
}

// Push stores s. It reports false when an unread sample had to be dropped.
func (r *MeterRing) Push(s MeterSample) bool {
	w := r.write.Load()
	slot := &r.slots[w%r.size]

	slot.seq.Store(2*w + 1)
	slot.peak.Store(math.Float32bits(s.Peak))
	slot.rms.Store(math.Float32bits(s.RMS))
	slot.at.Store(s.At)
	slot.seq.Store(2*w + 2)

	// the slot is committed before the cursor makes it visible
	r.write.Store(w + 1)

	return w-r.read.Load() < r.size
}

// Pop returns the oldest sample still held by the ring
func (r *MeterRing) Pop() (MeterSample, bool) {
	for {
		rd := r.read.Load()
		w := r.write.Load()

		if rd == w {
			return MeterSample{}, false
		}

		// the producer lapped us, skip what was overwritten
		if w-rd > r.size {
			rd = w - r.size
		}

		slot := &r.slots[rd%r.size]
		seq := slot.seq.Load()
		if seq != 2*rd+2 {
			r.read.Store(rd + 1)
			continue
		}

		s := MeterSample{
			Peak: math.Float32frombits(slot.peak.Load()),
			RMS:  math.Float32frombits(slot.rms.Load()),
			At:   slot.at.Load(),
		}

		if slot.seq.Load() != seq {
			// overwritten while we were reading it
			r.read.Store(rd + 1)
			continue
		}

		r.read.Store(rd + 1)
		return s, true
	}
}

// Drain pops everything currently readable into fn, oldest first
func (r *MeterRing) Drain(fn func(MeterSample)) int {
	n := 0
	for {
		s, ok := r.Pop()
		if !ok {
			return n
		}
		fn(s)
		n++
	}
}
