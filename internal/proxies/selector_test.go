package proxies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamarchive/backend/internal/models"
)

type memStore struct {
	mu    sync.Mutex
	list  []models.ProxyCandidate
	lists int
}

func (m *memStore) ListCandidates(context.Context) ([]models.ProxyCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	out := make([]models.ProxyCandidate, len(m.list))
	copy(out, m.list)
	return out, nil
}

func (m *memStore) RecordOutcome(_ context.Context, id int64, success bool, disableAfter int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.list {
		p := &m.list[i]
		if p.ID != id {
			continue
		}
		p.TotalUses++
		if success {
			p.ConsecutiveFailures = 0
			return false, nil
		}
		p.TotalFailures++
		p.ConsecutiveFailures++
		if p.ConsecutiveFailures >= disableAfter {
			p.Enabled = false
			return true, nil
		}
	}
	return false, nil
}

func rt(ms int) *int { return &ms }

func TestSelectHealthBeatsPriorityAndResponseTime(t *testing.T) {
	store := &memStore{list: []models.ProxyCandidate{
		{ID: 1, Priority: 1, Enabled: true, HealthStatus: models.ProxyHealthy, AvgResponseTimeMs: rt(50)},
		{ID: 2, Priority: 0, Enabled: true, HealthStatus: models.ProxyDegraded, AvgResponseTimeMs: rt(10)},
		{ID: 3, Priority: 0, Enabled: true, HealthStatus: models.ProxyHealthy, AvgResponseTimeMs: rt(200)},
	}}
	s := NewSelector(store, 3, time.Minute, nil)

	got, err := s.SelectProxy(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.ID)
}

func TestSelectOnlyDisabledReturnsNone(t *testing.T) {
	store := &memStore{list: []models.ProxyCandidate{
		{ID: 1, Enabled: false, HealthStatus: models.ProxyHealthy},
		{ID: 2, Enabled: false, HealthStatus: models.ProxyDegraded},
	}}
	got, err := NewSelector(store, 3, time.Minute, nil).SelectProxy(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRankOrdering(t *testing.T) {
	ranked := Rank([]models.ProxyCandidate{
		{ID: 1, Enabled: true, HealthStatus: models.ProxyUnknown, Priority: 0, AvgResponseTimeMs: rt(1)},
		{ID: 2, Enabled: true, HealthStatus: models.ProxyFailed, Priority: 0},
		{ID: 3, Enabled: true, HealthStatus: models.ProxyHealthy, Priority: 2},
		{ID: 4, Enabled: true, HealthStatus: models.ProxyHealthy, Priority: 2, AvgResponseTimeMs: rt(90)},
		{ID: 5, Enabled: true, HealthStatus: models.ProxyHealthy, Priority: 2, AvgResponseTimeMs: rt(30)},
		{ID: 6, Enabled: true, HealthStatus: "bogus", Priority: 0},
		{ID: 7, Enabled: false, HealthStatus: models.ProxyHealthy},
	})
	ids := make([]int64, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1, 6}, ids)
}

func TestReportOutcomeDisablesAfterThreshold(t *testing.T) {
	store := &memStore{list: []models.ProxyCandidate{
		{ID: 1, Priority: 0, Enabled: true, HealthStatus: models.ProxyHealthy},
		{ID: 2, Priority: 1, Enabled: true, HealthStatus: models.ProxyHealthy},
	}}
	s := NewSelector(store, 2, time.Hour, nil)
	ctx := context.Background()

	first, err := s.SelectProxy(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.ID)

	require.NoError(t, s.ReportOutcome(ctx, first, false))
	require.NoError(t, s.ReportOutcome(ctx, first, false))

	next, err := s.SelectProxy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID, "proxy 1 should be auto-disabled")
}

func TestReportOutcomeSuccessResetsFailures(t *testing.T) {
	store := &memStore{list: []models.ProxyCandidate{{ID: 1, Enabled: true, HealthStatus: models.ProxyHealthy}}}
	s := NewSelector(store, 2, time.Hour, nil)
	ctx := context.Background()
	p := &models.ProxyCandidate{ID: 1}

	require.NoError(t, s.ReportOutcome(ctx, p, false))
	require.NoError(t, s.ReportOutcome(ctx, p, true))
	require.NoError(t, s.ReportOutcome(ctx, p, false))

	got, err := s.SelectProxy(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, int64(3), got.TotalUses)
}

func TestSelectorCachesCandidates(t *testing.T) {
	store := &memStore{list: []models.ProxyCandidate{{ID: 1, Enabled: true, HealthStatus: models.ProxyHealthy}}}
	s := NewSelector(store, 3, time.Hour, nil)
	for i := 0; i < 5; i++ {
		_, err := s.SelectProxy(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.lists)
}
