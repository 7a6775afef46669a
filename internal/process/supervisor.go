// Package process spawns and terminates external tool processes and inspects OS processes for recovery.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
)

// stderrTailBytes bounds how much stderr is kept per process.
const stderrTailBytes = 64 * 1024

// Command describes an external process to launch.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Handle is a running (or finished) process started by a Supervisor.
type Handle struct {
	ID        string
	PID       int
	Ident     string // create-time based identity, guards against PID reuse
	StartedAt time.Time

	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error
	exited time.Time
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the wait error once Done is closed (nil for exit code 0).
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// ExitCode returns the process exit code, -1 while running or when killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
	default:
		return -1
	}
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Stderr returns the retained tail of the process stderr.
func (h *Handle) Stderr() string { return h.stderr.String() }

// Supervisor starts external processes under caller-supplied ids.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	log     *zap.Logger
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{handles: make(map[string]*Handle), log: log}
}

// Start launches cmd and tracks it under id until it exits. A second Start under a live id fails.
// The process is not bound to ctx; stopping it is explicit via Terminate.
func (s *Supervisor) Start(_ context.Context, id string, c Command) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrProcessRunning, id)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stdout = nil
	cmd.Stderr = tail
	// Orphaned grandchildren holding stderr must not block Wait forever.
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrProcessSpawnFailed, c.Path, err)
	}

	h := &Handle{
		ID:        id,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		stderr:    tail,
		done:      make(chan struct{}),
	}
	h.Ident, _ = Identity(h.PID)
	s.handles[id] = h

	go s.wait(h)

	s.log.Info("process started",
		zap.String("id", id),
		zap.Int("pid", h.PID),
		zap.String("path", c.Path),
	)
	return h, nil
}

func (s *Supervisor) wait(h *Handle) {
	h.err = h.cmd.Wait()
	h.exited = time.Now()

	s.mu.Lock()
	if s.handles[h.ID] == h {
		delete(s.handles, h.ID)
	}
	s.mu.Unlock()
	close(h.done)

	s.log.Info("process exited",
		zap.String("id", h.ID),
		zap.Int("pid", h.PID),
		zap.Int("exit_code", h.ExitCode()),
		zap.Duration("duration", h.exited.Sub(h.StartedAt)),
	)
}

// Terminate interrupts the process, waits up to timeout, then kills it.
// Returns true when the process stopped on the interrupt alone.
func (s *Supervisor) Terminate(h *Handle, timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	default:
	}

	start := time.Now()
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		s.log.Warn("interrupt failed", zap.String("id", h.ID), zap.Int("pid", h.PID), zap.Error(err))
	}
	select {
	case <-h.done:
		s.log.Info("process stopped gracefully",
			zap.String("id", h.ID),
			zap.Duration("stop_duration", time.Since(start)),
		)
		return true
	case <-time.After(timeout):
	}

	s.log.Warn("process did not stop in time, killing",
		zap.String("id", h.ID),
		zap.Int("pid", h.PID),
		zap.Duration("timeout", timeout),
	)
	_ = h.cmd.Process.Kill()
	<-h.done
	return false
}

// Get returns the live handle for id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Running returns the number of live processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{max: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
