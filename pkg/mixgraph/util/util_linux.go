package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CreateMutex takes a pid lock file so only one daemon runs per user. A lock
// left by a process that is gone is taken over.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			lockPid, _ := strconv.Atoi(content)
			if lockPid > 0 && unix.Kill(lockPid, 0) == nil {
				return fmt.Errorf("another instance of mixgraphd is running (pid %d)", lockPid)
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(currentPid)); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

// ReleaseMutex removes the lock file if it is still ours
func ReleaseMutex(name string) error {
	lockFile := name + ".lock"

	content, err := os.ReadFile(lockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if strings.TrimSpace(string(content)) != strconv.Itoa(os.Getpid()) {
		return nil
	}

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
