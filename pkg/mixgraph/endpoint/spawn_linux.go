package endpoint

import (
	"bufio"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Process is a running helper
type Process interface {
	Pid() int
	Terminate() error
	Kill() error
	// Done is closed once the process has exited
	Done() <-chan struct{}
	Err() error
}

// Spawner starts helper processes
type Spawner interface {
	LookPath(binary string) (string, error)
	Spawn(path string, args []string) (Process, error)
}

type execSpawner struct {
	logger *zap.SugaredLogger
}

func newExecSpawner(logger *zap.SugaredLogger) *execSpawner {
	return &execSpawner{logger: logger}
}

func (s *execSpawner) LookPath(binary string) (string, error) {
	return exec.LookPath(binary)
}

func (s *execSpawner) Spawn(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)

	// the kernel stops the helper if we die without running the termination hook
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	logger := s.logger.With("pid", cmd.Process.Pid)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debugw("Helper output", "line", scanner.Text())
		}
	}()

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Err is only meaningful after Done is closed
func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// signalPid and alive serve the ledger, which only has pids of helpers
// started by an earlier run
func signalPid(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
