package mixgraph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const pluginStateDirectory = "plugin-state"

// stateStore keeps plugin state blobs between runs, one file per chain slot.
// The blobs are opaque; only the plugin can read them.
type stateStore struct {
	logger *zap.SugaredLogger
	fs     afero.Fs
	dir    string
}

// newStateStore returns a store rooted under stateDir. An empty stateDir
// gives a store that keeps nothing.
func newStateStore(logger *zap.SugaredLogger, fs afero.Fs, stateDir string) *stateStore {
	logger = logger.Named("state")

	s := &stateStore{
		logger: logger,
		fs:     fs,
	}
	if stateDir != "" {
		s.dir = filepath.Join(stateDir, pluginStateDirectory)
	}

	logger.Debugw("Created state store instance", "dir", s.dir)

	return s
}

func (s *stateStore) enabled() bool {
	return s.dir != ""
}

func (s *stateStore) path(channelID string, index int, pluginID string) string {
	return filepath.Join(s.dir, channelID, fmt.Sprintf("%02d-%s.state", index, fileSafe(pluginID)))
}

func (s *stateStore) save(channelID string, index int, pluginID string, blob []byte) error {
	if !s.enabled() {
		return nil
	}

	path := s.path(channelID, index, pluginID)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plugin state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write plugin state: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace plugin state: %w", err)
	}

	s.logger.Debugw("Saved plugin state", "channel", channelID, "slot", index, "plugin", pluginID, "bytes", len(blob))

	return nil
}

// load returns nil without an error when nothing was saved
func (s *stateStore) load(channelID string, index int, pluginID string) ([]byte, error) {
	if !s.enabled() {
		return nil, nil
	}

	blob, err := afero.ReadFile(s.fs, s.path(channelID, index, pluginID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}
	return blob, nil
}

func (s *stateStore) forgetChannel(channelID string) error {
	if !s.enabled() {
		return nil
	}

	if err := s.fs.RemoveAll(filepath.Join(s.dir, channelID)); err != nil {
		return fmt.Errorf("remove channel plugin state: %w", err)
	}
	return nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
