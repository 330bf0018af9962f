// Package realtime holds the state shared between control goroutines and the
// audio-adjacent path. Nothing in here takes a lock or allocates after
// construction.
package realtime

import (
	"math"
	"sync/atomic"
)

const (
	MinVolumeDB = -96.0
	MaxVolumeDB = 12.0

	// anything at or below this is treated as silence
	silenceFloorDB = -80.0
)

// AtomicFloat32 stores a float32 as its IEEE bits
type AtomicFloat32 struct {
	bits atomic.Uint32
}

func (a *AtomicFloat32) Load() float32 {
	return math.Float32frombits(a.bits.Load())
}

func (a *AtomicFloat32) Store(v float32) {
	a.bits.Store(math.Float32bits(v))
}

// ChannelParams is the per-channel volume and mute state. Any goroutine may
// read or write it.
type ChannelParams struct {
	volumeDB AtomicFloat32
	muted    atomic.Bool

	// bumped on every write so forwarders can skip unchanged values
	generation atomic.Uint64
}

func NewChannelParams(volumeDB float32, muted bool) *ChannelParams {
	p := &ChannelParams{}
	p.volumeDB.Store(ClampVolumeDB(volumeDB))
	p.muted.Store(muted)
	return p
}

// SetVolumeDB clamps and stores the volume, returning the value applied
func (p *ChannelParams) SetVolumeDB(db float32) float32 {
	db = ClampVolumeDB(db)
	p.volumeDB.Store(db)
	p.generation.Add(1)
	return db
}

func (p *ChannelParams) VolumeDB() float32 {
	return p.volumeDB.Load()
}

func (p *ChannelParams) SetMuted(muted bool) {
	p.muted.Store(muted)
	p.generation.Add(1)
}

func (p *ChannelParams) Muted() bool {
	return p.muted.Load()
}

// Gain is the linear factor to apply, zero when muted
func (p *ChannelParams) Gain() float32 {
	if p.muted.Load() {
		return 0
	}
	return DBToLinear(p.volumeDB.Load())
}

func (p *ChannelParams) Generation() uint64 {
	return p.generation.Load()
}

func ClampVolumeDB(db float32) float32 {
	if math.IsNaN(float64(db)) {
		return 0
	}
	if db < MinVolumeDB {
		return MinVolumeDB
	}
	if db > MaxVolumeDB {
		return MaxVolumeDB
	}
	return db
}

func DBToLinear(db float32) float32 {
	if db <= silenceFloorDB {
		return 0
	}
	return float32(math.Pow(10, float64(db)/20))
}

func LinearToDB(linear float32) float32 {
	if linear <= 0 {
		return MinVolumeDB
	}
	db := float32(20 * math.Log10(float64(linear)))
	if db < MinVolumeDB {
		return MinVolumeDB
	}
	return db
}
