package registry

import (
	"context"
	"time"
)

// SnapshotService saves the registry periodically. It implements suture.Service.
type SnapshotService struct {
	reg      *Registry
	interval time.Duration
}

// NewSnapshotService creates the periodic snapshot writer.
func NewSnapshotService(reg *Registry, interval time.Duration) *SnapshotService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SnapshotService{reg: reg, interval: interval}
}

// Serve runs until ctx is cancelled.
func (s *SnapshotService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.reg.SaveSnapshot(ctx)
		}
	}
}

func (s *SnapshotService) String() string { return "registry-snapshot" }
