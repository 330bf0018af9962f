package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
)

const (
	// ClientName is the application name of every client and stream we open
	ClientName        = "mixgraph"
	keepaliveInterval = 2 * time.Second
	// requestTimeout bounds requests that have no caller deadline
	requestTimeout = 2 * time.Second
)

// pulseControl talks the PulseAudio protocol to the server's compatibility
// layer for volume and mute, which the PipeWire tools don't expose by name.
type pulseControl struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	interval time.Duration
	timeout  time.Duration

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func dialPulse(ctx context.Context, logger *zap.SugaredLogger) (*pulseControl, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	pc := newPulseControl(logger, client, conn)

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(ClientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := pc.request(ctx, &request, &reply); err != nil {
		_ = pc.close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	go pc.keepalive()

	logger.Debug("Created PA control instance")

	return pc, nil
}

func newPulseControl(logger *zap.SugaredLogger, client *proto.Client, conn net.Conn) *pulseControl {
	return &pulseControl{
		logger:   logger,
		client:   client,
		conn:     conn,
		interval: keepaliveInterval,
		timeout:  requestTimeout,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// request runs one round trip. The client only bounds the wait for the
// reply, so the write is raced against ctx too. A server that lets ctx run
// out is considered gone.
func (pc *pulseControl) request(ctx context.Context, req proto.RequestArgs, reply proto.Reply) error {
	select {
	case <-pc.lost:
		return errkind.ErrConnectionLost
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pc.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- pc.client.Request(req, reply)
	}()

	select {
	case err := <-done:
		return err
	case <-pc.lost:
		return errkind.ErrConnectionLost
	case <-ctx.Done():
		pc.logger.Warnw("PulseAudio server stopped answering", "error", ctx.Err())
		pc.markLost()
		return errkind.New(errkind.ConnectionLost, "pulse request", ctx.Err())
	}
}

// keepalive notices a dead connection even when nobody is changing volumes
func (pc *pulseControl) keepalive() {
	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.stop:
			return
		case <-pc.lost:
			return
		case <-ticker.C:
			if err := pc.request(context.Background(), &proto.GetServerInfo{}, &proto.GetServerInfoReply{}); err != nil {
				pc.logger.Warnw("PulseAudio connection lost", "error", err)
				pc.markLost()
				return
			}
		}
	}
}

func (pc *pulseControl) markLost() {
	pc.lostOnce.Do(func() {
		close(pc.lost)
	})
}

// Lost is closed once the connection stops answering
func (pc *pulseControl) Lost() <-chan struct{} {
	return pc.lost
}

// VolumeFromLinear maps a linear gain onto the server's cubic volume scale
func VolumeFromLinear(linear float64) uint32 {
	if linear <= 0 || math.IsNaN(linear) {
		return 0
	}
	v := float64(proto.VolumeNorm) * math.Cbrt(linear)
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(math.Round(v))
}

func (pc *pulseControl) setVolume(ctx context.Context, nodeName string, source bool, linear float64, channels int) error {
	if channels <= 0 {
		channels = 2
	}
	v := VolumeFromLinear(linear)
	volumes := make(proto.ChannelVolumes, channels)
	for i := range volumes {
		volumes[i] = v
	}

	var err error
	if source {
		err = pc.request(ctx, &proto.SetSourceVolume{
			SourceIndex:    proto.Undefined,
			SourceName:     nodeName,
			ChannelVolumes: volumes,
		}, nil)
	} else {
		err = pc.request(ctx, &proto.SetSinkVolume{
			SinkIndex:      proto.Undefined,
			SinkName:       nodeName,
			ChannelVolumes: volumes,
		}, nil)
	}

	if err != nil {
		pc.logger.Warnw("Failed to set volume", "node", nodeName, "error", err)
		return fmt.Errorf("set volume of %s: %w", nodeName, err)
	}
	return nil
}

func (pc *pulseControl) setMute(ctx context.Context, nodeName string, source bool, muted bool) error {
	var err error
	if source {
		err = pc.request(ctx, &proto.SetSourceMute{
			SourceIndex: proto.Undefined,
			SourceName:  nodeName,
			Mute:        muted,
		}, nil)
	} else {
		err = pc.request(ctx, &proto.SetSinkMute{
			SinkIndex: proto.Undefined,
			SinkName:  nodeName,
			Mute:      muted,
		}, nil)
	}

	if err != nil {
		pc.logger.Warnw("Failed to set mute", "node", nodeName, "error", err)
		return fmt.Errorf("set mute of %s: %w", nodeName, err)
	}
	return nil
}

func (pc *pulseControl) close() error {
	pc.stopOnce.Do(func() {
		close(pc.stop)
	})

	if err := pc.conn.Close(); err != nil {
		pc.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	pc.logger.Debug("Released PA control instance")

	return nil
}
