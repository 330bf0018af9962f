package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/realtime"
)

const snapshot = `[
  {"id": 40, "type": "PipeWire:Interface:Node", "info": {"props": {
    "node.name": "alsa_output.speakers", "node.description": "Speakers", "media.class": "Audio/Sink"}}},
  {"id": 50, "type": "PipeWire:Interface:Node", "info": {"props": {
    "node.name": "Firefox", "media.class": "Stream/Output/Audio",
    "application.name": "Firefox", "application.process.binary": "firefox"}}},
  {"id": 51, "type": "PipeWire:Interface:Port", "info": {"direction": "output", "props": {
    "node.id": 50, "port.name": "output_FL", "audio.channel": "FL"}}},
  {"id": 52, "type": "PipeWire:Interface:Port", "info": {"direction": "output", "props": {
    "node.id": 50, "port.name": "monitor_FR", "port.monitor": true}}},
  {"id": 60, "type": "PipeWire:Interface:Node", "info": {"props": {
    "node.name": "mixgraph.web", "media.class": "Audio/Sink",
    "mixgraph.channel": "web", "mixgraph.role": "endpoint"}}},
  {"id": 70, "type": "PipeWire:Interface:Link", "info": {
    "output-node-id": 50, "output-port-id": 51, "input-node-id": 40, "input-port-id": 41}},
  {"id": 30, "type": "PipeWire:Interface:Metadata", "props": {"metadata.name": "default"},
   "metadata": [
     {"subject": 0, "key": "default.audio.sink", "type": "Spa:String:JSON", "value": {"name": "alsa_output.speakers"}},
     {"subject": 0, "key": "default.audio.source", "type": "Spa:String:JSON", "value": {"name": "alsa_input.mic"}}
   ]}
]`

func decodeBatch(t *testing.T, d *dumpDecoder, raw string) []graph.Update {
	var batch []dumpObject
	require.NoError(t, json.Unmarshal([]byte(raw), &batch))
	return d.decode(batch)
}

func TestDecodeSnapshot(t *testing.T) {
	updates := decodeBatch(t, newDumpDecoder(), snapshot)
	require.Len(t, updates, 7)

	speakers := updates[0].Node
	require.NotNil(t, speakers)
	assert.Equal(t, graph.CategoryDevice, speakers.Category)
	assert.Equal(t, "Speakers", speakers.Description)

	firefox := updates[1].Node
	require.NotNil(t, firefox)
	assert.Equal(t, graph.CategoryStream, firefox.Category)
	assert.Equal(t, "firefox", firefox.Binary)

	port := updates[2].Port
	require.NotNil(t, port)
	assert.Equal(t, uint32(50), port.NodeID)
	assert.Equal(t, graph.DirectionOut, port.Direction)
	assert.Equal(t, graph.PositionFL, port.Position)
	assert.False(t, port.Monitor)

	monitor := updates[3].Port
	require.NotNil(t, monitor)
	assert.True(t, monitor.Monitor)
	assert.Equal(t, graph.PositionFR, monitor.Position)

	endpoint := updates[4].Node
	require.NotNil(t, endpoint)
	assert.Equal(t, graph.CategoryVirtual, endpoint.Category)
	assert.Equal(t, "web", endpoint.ChannelID)
	assert.Equal(t, graph.RoleEndpoint, endpoint.Role)

	link := updates[5].Link
	require.NotNil(t, link)
	assert.Equal(t, graph.PortPair{Output: 51, Input: 41}, link.Pair())

	assert.Equal(t, graph.UpdateDefaults, updates[6].Kind)
	assert.Equal(t, graph.Defaults{Sink: "alsa_output.speakers", Source: "alsa_input.mic"}, updates[6].Defaults)
}

func TestDecodeRemovalsAndDefaultChanges(t *testing.T) {
	d := newDumpDecoder()
	decodeBatch(t, d, snapshot)

	updates := decodeBatch(t, d, `[{"id": 51, "info": null}, {"id": 999, "info": null}]`)
	require.Len(t, updates, 1)
	assert.Equal(t, graph.Update{Kind: graph.UpdateRemoved, ID: 51}, updates[0])

	// unchanged defaults produce nothing
	updates = decodeBatch(t, d, `[{"id": 30, "type": "PipeWire:Interface:Metadata", "props": {"metadata.name": "default"},
	  "metadata": [{"subject": 0, "key": "default.audio.sink", "value": {"name": "alsa_output.speakers"}}]}]`)
	assert.Empty(t, updates)

	updates = decodeBatch(t, d, `[{"id": 30, "type": "PipeWire:Interface:Metadata",
	  "metadata": [{"subject": 0, "key": "default.audio.sink", "value": {"name": "bluez_output.headset"}}]}]`)
	require.Len(t, updates, 1)
	assert.Equal(t, "bluez_output.headset", updates[0].Defaults.Sink)
	assert.Equal(t, "alsa_input.mic", updates[0].Defaults.Source)

	// other metadata objects are ignored
	updates = decodeBatch(t, d, `[{"id": 31, "type": "PipeWire:Interface:Metadata", "props": {"metadata.name": "settings"},
	  "metadata": [{"subject": 0, "key": "default.audio.sink", "value": {"name": "nope"}}]}]`)
	assert.Empty(t, updates)
}

func TestWatchEmitsSyncedAfterFirstBatch(t *testing.T) {
	pw := newPipeWire(zaptest.NewLogger(t).Sugar())
	pw.monitor = func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(snapshot + "\n" + `[{"id": 70, "info": null}]`)), nil
	}

	updates, err := pw.watch(context.Background())
	require.NoError(t, err)

	var kinds []graph.UpdateKind
	for u := range updates {
		kinds = append(kinds, u.Kind)
	}

	require.Len(t, kinds, 9)
	assert.Equal(t, graph.UpdateSynced, kinds[7])
	assert.Equal(t, graph.UpdateRemoved, kinds[8])
}

func TestWatchClosesWhenMonitorEnds(t *testing.T) {
	pw := newPipeWire(zaptest.NewLogger(t).Sugar())
	pw.monitor = func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`[`)), nil
	}

	updates, err := pw.watch(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("update channel not closed")
	}
}

func TestCreateLinkTreatsExistingAsSuccess(t *testing.T) {
	pw := newPipeWire(zaptest.NewLogger(t).Sugar())

	var calls [][]string
	pw.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return []byte("failed to link ports: File exists"), errors.New("exit status 1")
	}

	require.NoError(t, pw.createLink(context.Background(), 51, 61))
	assert.Equal(t, []string{"pw-link", "51", "61"}, calls[0])

	pw.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("no such port"), errors.New("exit status 1")
	}
	assert.Error(t, pw.createLink(context.Background(), 51, 61))
}

func TestSetMetadataArguments(t *testing.T) {
	pw := newPipeWire(zaptest.NewLogger(t).Sugar())

	var calls [][]string
	pw.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}

	require.NoError(t, pw.setMetadata(context.Background(), 50, metadataTargetObject, "mixgraph.web"))
	require.NoError(t, pw.setMetadata(context.Background(), 50, metadataTargetObject, ""))
	require.NoError(t, pw.destroy(context.Background(), 60))

	assert.Equal(t, []string{"pw-metadata", "-n", "default", "50", "target.object", "mixgraph.web"}, calls[0])
	assert.Equal(t, []string{"pw-metadata", "-n", "default", "-d", "50", "target.object"}, calls[1])
	assert.Equal(t, []string{"pw-cli", "destroy", "60"}, calls[2])
}

func TestVolumeFromLinear(t *testing.T) {
	assert.Equal(t, uint32(proto.VolumeNorm), VolumeFromLinear(1))
	assert.Zero(t, VolumeFromLinear(0))
	assert.Zero(t, VolumeFromLinear(-1))
	// half the cubic scale is an eighth of the power
	assert.Equal(t, uint32(proto.VolumeNorm)/2, VolumeFromLinear(0.125))
}

// silentControl is a control connection whose server reads every request
// and never answers
func silentControl(t *testing.T) *pulseControl {
	local, peer := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, peer) }()

	client := &proto.Client{}
	client.Open(local)
	client.SetTimeout(time.Minute)

	pc := newPulseControl(zaptest.NewLogger(t).Sugar(), client, local)
	t.Cleanup(func() {
		_ = pc.close()
		_ = peer.Close()
	})
	return pc
}

func TestSetVolumeGivesUpOnSilentServer(t *testing.T) {
	pc := silentControl(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := pc.setVolume(ctx, "mixgraph.web", false, 0.5, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errkind.ErrConnectionLost)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-pc.Lost():
	default:
		assert.Fail(t, "connection should count as lost")
	}

	// later requests fail right away
	err = pc.setMute(context.Background(), "mixgraph.web", false, true)
	assert.ErrorIs(t, err, errkind.ErrConnectionLost)
}

func TestKeepaliveNoticesSilentServer(t *testing.T) {
	pc := silentControl(t)
	pc.interval = 10 * time.Millisecond
	pc.timeout = 30 * time.Millisecond

	go pc.keepalive()

	select {
	case <-pc.Lost():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "keepalive did not notice the silent server")
	}
}

func TestSampleQueueDropsOldest(t *testing.T) {
	q := newSampleQueue(3)
	for _, v := range []float32{1, 2, 3, 4} {
		q.push(v)
	}
	assert.Equal(t, 3, q.size)

	var got []float32
	for {
		v, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []float32{2, 3, 4}, got)
}

func TestTapBlockMetersAndProcesses(t *testing.T) {
	ring := realtime.NewMeterRing(8)
	var processed int
	tp := &tap{
		logger: zaptest.NewLogger(t).Sugar(),
		spec: TapSpec{
			BlockSize: 4,
			Meter:     ring,
			Process: func(buf [][]float32) {
				processed++
				for _, ch := range buf {
					for i := range ch {
						ch[i] *= 0.5
					}
				}
			},
		},
		planar: [][]float32{make([]float32, 4), make([]float32, 4)},
		view:   make([][]float32, 2),
		queue:  newSampleQueue(64),
	}

	tp.consume([]float32{1, -1, 0.5, -0.5, 0, 0, 0, 0, 1, 1, 1, 1})
	assert.Equal(t, 2, processed)
	assert.Equal(t, 12, tp.queue.size)

	out := make([]float32, 4)
	tp.fill(out)
	assert.Equal(t, []float32{0.5, -0.5, 0.25, -0.25}, out)

	s, ok := ring.Pop()
	require.True(t, ok)
	assert.InDelta(t, 0.5, s.Peak, 1e-6)
	assert.Equal(t, 1, ring.Len())
}
