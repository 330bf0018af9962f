// Package server connects the daemon to the running PipeWire instance.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/errkind"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
)

// Server is one connection to the audio server: a graph monitor, a control
// connection for volumes and a stream connection for taps. Losing any of
// them closes the update channel returned by Connect.
type Server struct {
	logger *zap.SugaredLogger
	pw     *pipeWire

	lock    sync.Mutex
	control *pulseControl
	streams *pulse.Client
	cancel  context.CancelFunc
}

func New(logger *zap.SugaredLogger) *Server {
	logger = logger.Named("server")

	s := &Server{
		logger: logger,
		pw:     newPipeWire(logger),
	}

	logger.Debug("Created server instance")

	return s
}

func (s *Server) Connect(ctx context.Context) (<-chan graph.Update, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.releaseLocked()

	control, err := dialPulse(ctx, s.logger)
	if err != nil {
		return nil, errkind.New(errkind.ConnectionLost, "connect", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	source, err := s.pw.watch(watchCtx)
	if err != nil {
		cancel()
		_ = control.close()
		return nil, errkind.New(errkind.ConnectionLost, "connect", err)
	}

	s.control = control
	s.cancel = cancel

	updates := make(chan graph.Update, updateBacklog)

	go func() {
		defer close(updates)
		defer cancel()

		for {
			select {
			case u, ok := <-source:
				if !ok {
					return
				}
				select {
				case updates <- u:
				case <-watchCtx.Done():
					return
				}
			case <-control.Lost():
				return
			case <-watchCtx.Done():
				return
			}
		}
	}()

	s.logger.Info("Connected to audio server")

	return updates, nil
}

func (s *Server) CreateLink(ctx context.Context, outPort, inPort uint32) error {
	return s.pw.createLink(ctx, outPort, inPort)
}

func (s *Server) DestroyObject(ctx context.Context, id uint32) error {
	return s.pw.destroy(ctx, id)
}

// SetTarget pins a stream to a node through the default metadata; an empty
// target clears it
func (s *Server) SetTarget(ctx context.Context, streamID uint32, target string) error {
	return s.pw.setMetadata(ctx, streamID, metadataTargetObject, target)
}

// SetVolume applies a linear gain and mute to a sink or source by node name.
// Running out of ctx drops the connection.
func (s *Server) SetVolume(ctx context.Context, nodeName string, source bool, linear float64, muted bool) error {
	s.lock.Lock()
	control := s.control
	s.lock.Unlock()

	if control == nil {
		return errkind.ErrConnectionLost
	}

	if err := control.setVolume(ctx, nodeName, source, linear, 2); err != nil {
		return err
	}
	return control.setMute(ctx, nodeName, source, muted)
}

func (s *Server) OpenTap(spec TapSpec) (Tap, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.streams == nil {
		client, err := pulse.NewClient(pulse.ClientApplicationName(ClientName))
		if err != nil {
			s.logger.Warnw("Failed to create stream client", "error", err)
			return nil, fmt.Errorf("create stream client: %w", err)
		}
		s.streams = client
	}

	t, err := openTap(s.logger, s.streams, spec)
	if err != nil {
		s.logger.Warnw("Failed to open monitor tap", "channel", spec.ChannelID, "error", err)
		return nil, fmt.Errorf("open tap for %s: %w", spec.ChannelID, err)
	}
	return t, nil
}

func (s *Server) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.releaseLocked()
}

func (s *Server) releaseLocked() error {
	var errs error

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.control != nil {
		errs = multierr.Append(errs, s.control.close())
		s.control = nil
	}
	if s.streams != nil {
		s.streams.Close()
		s.streams = nil
	}

	return errs
}
