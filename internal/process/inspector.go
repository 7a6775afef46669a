package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/streamarchive/backend/internal/errs"
)

// Identity returns a string that identifies the process behind pid at this moment.
// It combines the pid with the process create time so a recycled pid yields a different identity.
func Identity(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	created, err := p.CreateTime()
	if err != nil {
		return "", err
	}
	return strconv.Itoa(pid) + ":" + strconv.FormatInt(created, 10), nil
}

// Inspector answers whether a recorded process is still the one we started.
type Inspector struct{}

// NewInspector creates an OS process inspector.
func NewInspector() *Inspector { return &Inspector{} }

// Alive reports whether pid is running and, when ident is non-empty, still has the same identity.
// Returns errs.ErrRecoveryAmbiguous when the OS refuses to tell.
func (i *Inspector) Alive(ctx context.Context, pid int, ident string) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
			return false, fmt.Errorf("%w: pid %d: %v", errs.ErrRecoveryAmbiguous, pid, err)
		}
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}
	if ident == "" {
		return true, nil
	}
	current, err := Identity(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, fmt.Errorf("%w: pid %d: %v", errs.ErrRecoveryAmbiguous, pid, err)
	}
	return current == ident, nil
}
