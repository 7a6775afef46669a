// Package proxies selects the capture proxy and feeds capture outcomes back into proxy health.
package proxies

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
)

// Store reads proxy candidates and records capture outcomes.
type Store interface {
	ListCandidates(ctx context.Context) ([]models.ProxyCandidate, error)
	RecordOutcome(ctx context.Context, proxyID int64, success bool, disableAfter int) (disabled bool, err error)
}

var healthRank = map[string]int{
	models.ProxyHealthy:  0,
	models.ProxyDegraded: 1,
	models.ProxyFailed:   2,
	models.ProxyUnknown:  3,
}

func rankOf(status string) int {
	if r, ok := healthRank[status]; ok {
		return r
	}
	return healthRank[models.ProxyUnknown]
}

// Rank returns the enabled candidates ordered best first: health, then priority, then response time.
// Candidates without a response time sort after those with one.
func Rank(candidates []models.ProxyCandidate) []models.ProxyCandidate {
	out := make([]models.ProxyCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := rankOf(a.HealthStatus), rankOf(b.HealthStatus); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		switch {
		case a.AvgResponseTimeMs == nil && b.AvgResponseTimeMs == nil:
			return false
		case a.AvgResponseTimeMs == nil:
			return false
		case b.AvgResponseTimeMs == nil:
			return true
		}
		return *a.AvgResponseTimeMs < *b.AvgResponseTimeMs
	})
	return out
}

// Selector picks the best proxy for a new capture. Candidate rows are cached for refresh.
type Selector struct {
	store        Store
	disableAfter int
	refresh      time.Duration
	log          *zap.Logger

	mu        sync.RWMutex
	cached    []models.ProxyCandidate
	fetchedAt time.Time
}

// NewSelector creates a proxy selector. disableAfter is the consecutive-failure count that disables a proxy.
func NewSelector(store Store, disableAfter int, refresh time.Duration, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	if disableAfter <= 0 {
		disableAfter = 3
	}
	return &Selector{store: store, disableAfter: disableAfter, refresh: refresh, log: log}
}

// SelectProxy returns the best candidate, or nil when no enabled proxy exists.
func (s *Selector) SelectProxy(ctx context.Context) (*models.ProxyCandidate, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	ranked := Rank(candidates)
	if len(ranked) == 0 {
		metrics.ProxySelections.WithLabelValues("none").Inc()
		return nil, nil
	}
	best := ranked[0]
	metrics.ProxySelections.WithLabelValues(best.HealthStatus).Inc()
	s.log.Debug("proxy selected",
		zap.Int64("proxy_id", best.ID),
		zap.String("health", best.HealthStatus),
		zap.Int("priority", best.Priority),
	)
	return &best, nil
}

// ReportOutcome records a capture attempt through proxy and auto-disables it after too many failures.
func (s *Selector) ReportOutcome(ctx context.Context, proxy *models.ProxyCandidate, success bool) error {
	if proxy == nil {
		return nil
	}
	disabled, err := s.store.RecordOutcome(ctx, proxy.ID, success, s.disableAfter)
	if err != nil {
		return fmt.Errorf("record proxy outcome: %w", err)
	}
	s.invalidate()
	if disabled {
		s.log.Warn("proxy auto-disabled after consecutive failures",
			zap.Int64("proxy_id", proxy.ID),
			zap.Int("threshold", s.disableAfter),
		)
	}
	return nil
}

func (s *Selector) candidates(ctx context.Context) ([]models.ProxyCandidate, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.fetchedAt) < s.refresh {
		out := s.cached
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	list, err := s.store.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	s.mu.Lock()
	s.cached = list
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return list, nil
}

func (s *Selector) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
