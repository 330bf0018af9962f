package mixgraph

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/mixgraph/pkg/mixgraph/util"
)

const (
	crashlogFilename        = "mixgraph-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                      mixgraphd crashlog
-----------------------------------------------------------------
mixgraphd has crashed. Every loopback helper it started was stopped.
Please attach this file when reporting the problem at:
https://github.com/MixyLabs/mixgraph/issues/new
-----------------------------------------------------------------
Time: %s
Version: %s
Panic: %v
Stack trace:
%s
-----------------------------------------------------------------
`
)

// recoverFromPanic is deferred at the top of every long-lived goroutine.
// Helpers are terminated before exiting so no loopback outlives the daemon.
func (d *Daemon) recoverFromPanic() {
	r := recover()
	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(r, d.version, debug.Stack())
	if err != nil {
		d.logger.Errorw("Failed to write crashlog", "error", err)
	}

	d.logger.Errorw("Encountered panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	if d.endpoints != nil {
		if err := d.endpoints.TerminateAll(); err != nil {
			d.logger.Warnw("Failed to terminate helpers while crashing", "error", err)
		}
	}

	if crashlogPath != "" {
		d.notifier.Notify("mixgraphd crashed", fmt.Sprintf("More details in %s", crashlogPath))
	} else {
		d.notifier.Notify("mixgraphd crashed", "Please check mixgraphd's logs for more details.")
	}

	d.logger.Errorw("Quitting", "exitCode", 1)
	_ = d.logger.Sync()
	os.Exit(1)
}

func writeCrashlog(r interface{}, version string, stack []byte) (string, error) {
	if err := util.EnsureDirExists(logDirectory); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	now := time.Now().Format(crashlogTimestampFormat)
	if version == "" {
		version = "unknown"
	}

	path := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now))
	contents := fmt.Sprintf(crashMessage, now, version, r, stack)

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog: %w", err)
	}
	return path, nil
}
