package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/graph"
)

const (
	updateBacklog = 256

	metadataTargetObject = "target.object"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type monitorFunc func(ctx context.Context) (io.ReadCloser, error)

// pipeWire drives the graph through the stock command line tools: pw-dump
// for the object stream and pw-link, pw-cli and pw-metadata for changes.
type pipeWire struct {
	logger  *zap.SugaredLogger
	run     runFunc
	monitor monitorFunc
}

func newPipeWire(logger *zap.SugaredLogger) *pipeWire {
	pw := &pipeWire{
		logger: logger.Named("pipewire"),
		run:    runTool,
	}
	pw.monitor = pw.startDump

	return pw
}

func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (pw *pipeWire) startDump(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "pw-dump", "--monitor", "--no-colors")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create pw-dump pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pw-dump: %w", err)
	}

	go func() {
		err := cmd.Wait()
		pw.logger.Debugw("pw-dump exited", "error", err)
	}()

	return stdout, nil
}

// watch streams graph updates until ctx ends or pw-dump goes away, then
// closes the returned channel. The first batch is the full graph and is
// followed by an UpdateSynced.
func (pw *pipeWire) watch(ctx context.Context) (<-chan graph.Update, error) {
	r, err := pw.monitor(ctx)
	if err != nil {
		pw.logger.Warnw("Failed to start graph monitor", "error", err)
		return nil, err
	}

	updates := make(chan graph.Update, updateBacklog)

	go func() {
		defer close(updates)
		defer r.Close()

		decoder := newDumpDecoder()
		dec := json.NewDecoder(r)
		synced := false

		for {
			var batch []dumpObject
			if err := dec.Decode(&batch); err != nil {
				if ctx.Err() == nil {
					pw.logger.Warnw("Graph monitor stream ended", "error", err)
				}
				return
			}

			out := decoder.decode(batch)
			if !synced {
				out = append(out, graph.Update{Kind: graph.UpdateSynced})
				synced = true
			}

			for _, u := range out {
				select {
				case updates <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return updates, nil
}

func (pw *pipeWire) createLink(ctx context.Context, outPort, inPort uint32) error {
	out, err := pw.run(ctx, "pw-link", strconv.FormatUint(uint64(outPort), 10), strconv.FormatUint(uint64(inPort), 10))
	if err != nil {
		// a link that already exists is what we wanted
		if strings.Contains(string(out), "File exists") {
			return nil
		}
		return fmt.Errorf("pw-link %d %d: %w: %s", outPort, inPort, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (pw *pipeWire) destroy(ctx context.Context, id uint32) error {
	out, err := pw.run(ctx, "pw-cli", "destroy", strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return fmt.Errorf("pw-cli destroy %d: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (pw *pipeWire) setMetadata(ctx context.Context, subject uint32, key, value string) error {
	args := []string{"-n", defaultMetadataName, strconv.FormatUint(uint64(subject), 10), key}
	if value == "" {
		args = []string{"-n", defaultMetadataName, "-d", strconv.FormatUint(uint64(subject), 10), key}
	} else {
		args = append(args, value)
	}

	out, err := pw.run(ctx, "pw-metadata", args...)
	if err != nil {
		return fmt.Errorf("pw-metadata %s on %d: %w: %s", key, subject, err, strings.TrimSpace(string(out)))
	}
	return nil
}
