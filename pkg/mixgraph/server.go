package mixgraph

import (
	"context"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
	"github.com/MixyLabs/mixgraph/pkg/mixgraph/server"
)

// AudioServer is everything the graph loop needs from the audio server.
// Only the loop goroutine calls the graph methods.
type AudioServer interface {
	// Connect starts a fresh session. The returned channel carries confirmed
	// graph changes, an UpdateSynced after the initial snapshot, and is
	// closed when the connection is lost.
	Connect(ctx context.Context) (<-chan graph.Update, error)

	CreateLink(ctx context.Context, outPort, inPort uint32) error
	DestroyObject(ctx context.Context, id uint32) error
	// SetTarget pins a stream to a node; an empty target releases it
	SetTarget(ctx context.Context, streamID uint32, target string) error
	SetVolume(ctx context.Context, nodeName string, source bool, linear float64, muted bool) error

	OpenTap(spec server.TapSpec) (server.Tap, error)

	Close() error
}

var _ AudioServer = (*server.Server)(nil)
