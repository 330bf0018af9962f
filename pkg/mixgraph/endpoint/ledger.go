package endpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const ledgerFilename = "endpoints.toml"

type ledgerEntry struct {
	Channel string    `toml:"channel"`
	Node    string    `toml:"node"`
	Pid     int       `toml:"pid"`
	Started time.Time `toml:"started"`
}

type ledgerFile struct {
	Helpers []ledgerEntry `toml:"helper"`
}

// ledger remembers which helpers this daemon started, so a later run can
// clean up after a crash. A zero path keeps it in memory only.
type ledger struct {
	path    string
	entries map[string]ledgerEntry
}

func newLedger(stateDir string) *ledger {
	l := &ledger{entries: make(map[string]ledgerEntry)}
	if stateDir != "" {
		l.path = filepath.Join(stateDir, ledgerFilename)
	}
	return l
}

func (l *ledger) load() error {
	if l.path == "" {
		return nil
	}

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read endpoint ledger: %w", err)
	}

	var file ledgerFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse endpoint ledger: %w", err)
	}

	for _, e := range file.Helpers {
		l.entries[e.Channel] = e
	}
	return nil
}

func (l *ledger) save() error {
	if l.path == "" {
		return nil
	}

	file := ledgerFile{Helpers: make([]ledgerEntry, 0, len(l.entries))}
	for _, e := range l.entries {
		file.Helpers = append(file.Helpers, e)
	}

	raw, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode endpoint ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write endpoint ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace endpoint ledger: %w", err)
	}
	return nil
}

func (l *ledger) put(e ledgerEntry) {
	l.entries[e.Channel] = e
}

func (l *ledger) remove(channelID string) {
	delete(l.entries, channelID)
}

// reap terminates helpers from a previous run that are still alive. Pids
// that now belong to some other program are left alone.
func (l *ledger) reap(binary string, grace time.Duration) (int, error) {
	var (
		reaped int
		errs   error
	)

	for channelID, e := range l.entries {
		delete(l.entries, channelID)

		proc, err := ps.FindProcess(e.Pid)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("find helper pid %d: %w", e.Pid, err))
			continue
		}
		if proc == nil || proc.Executable() != filepath.Base(binary) {
			continue
		}

		if err := terminatePid(e.Pid, grace); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminate helper pid %d: %w", e.Pid, err))
			continue
		}
		reaped++
	}

	return reaped, multierr.Append(errs, l.save())
}

func terminatePid(pid int, grace time.Duration) error {
	if err := signalPid(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := signalPid(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
