// Package settings resolves the effective recording configuration per streamer.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
)

// Store reads global defaults and per-streamer overrides.
type Store interface {
	Global(ctx context.Context) (*models.GlobalSettings, error)
	ForStreamer(ctx context.Context, streamerID int64) (*models.StreamerSettings, error) // nil when no override row
}

// Effective is the resolved configuration for one streamer.
type Effective struct {
	Enabled          bool   `json:"enabled"`
	Quality          string `json:"quality"`
	FilenameTemplate string `json:"filename_template"`
	MaxStreams       int    `json:"max_streams"`
	ConcurrencyCap   int    `json:"concurrency_cap"`
}

type cacheEntry struct {
	value  Effective
	expiry time.Time
}

type storeResult struct {
	global   *models.GlobalSettings
	streamer *models.StreamerSettings
}

// Resolver resolves per-streamer override -> global default -> fallback and caches the result.
type Resolver struct {
	store    Store
	fallback Effective
	ttl      time.Duration
	now      func() time.Time
	cb       *gobreaker.CircuitBreaker[storeResult]
	log      *zap.Logger

	mu      sync.RWMutex
	entries map[int64]cacheEntry
}

// NewResolver creates a settings resolver. fallback is returned whenever the store cannot answer.
func NewResolver(store Store, fallback Effective, ttl time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cb := gobreaker.NewCircuitBreaker[storeResult](gobreaker.Settings{
		Name:        "settings-store",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("settings store circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Resolver{
		store:    store,
		fallback: fallback,
		ttl:      ttl,
		now:      time.Now,
		cb:       cb,
		log:      log,
		entries:  make(map[int64]cacheEntry),
	}
}

// EffectiveSettings returns the resolved settings for streamerID. It never fails: store errors
// yield the hard-coded fallback, which is not cached so the next call retries the store.
func (r *Resolver) EffectiveSettings(ctx context.Context, streamerID int64) Effective {
	now := r.now()
	r.mu.RLock()
	e, ok := r.entries[streamerID]
	r.mu.RUnlock()
	if ok && now.Before(e.expiry) {
		metrics.SettingsCacheHits.Inc()
		return e.value
	}

	res, err := r.cb.Execute(func() (storeResult, error) {
		g, err := r.store.Global(ctx)
		if err != nil {
			return storeResult{}, fmt.Errorf("global settings: %w", err)
		}
		s, err := r.store.ForStreamer(ctx, streamerID)
		if err != nil {
			return storeResult{}, fmt.Errorf("streamer settings: %w", err)
		}
		return storeResult{global: g, streamer: s}, nil
	})
	if err != nil {
		metrics.SettingsFallbacks.Inc()
		level := r.log.Warn
		if errors.Is(err, gobreaker.ErrOpenState) {
			level = r.log.Debug
		}
		level("settings store unavailable, using defaults", zap.Int64("streamer_id", streamerID), zap.Error(err))
		return r.fallback
	}

	v := resolve(r.fallback, res.global, res.streamer)
	r.mu.Lock()
	r.entries[streamerID] = cacheEntry{value: v, expiry: now.Add(r.ttl)}
	r.mu.Unlock()
	return v
}

// Invalidate drops every cached entry. Call after any settings write.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.entries = make(map[int64]cacheEntry)
	r.mu.Unlock()
}

func resolve(fallback Effective, g *models.GlobalSettings, s *models.StreamerSettings) Effective {
	v := fallback
	if g != nil {
		setBool(&v.Enabled, g.Enabled)
		setString(&v.Quality, g.Quality)
		setString(&v.FilenameTemplate, g.FilenameTemplate)
		setInt(&v.MaxStreams, g.MaxStreams)
		if g.ConcurrencyCap != nil && *g.ConcurrencyCap > 0 {
			v.ConcurrencyCap = *g.ConcurrencyCap
		}
	}
	if s != nil {
		setBool(&v.Enabled, s.Enabled)
		setString(&v.Quality, s.Quality)
		setString(&v.FilenameTemplate, s.FilenameTemplate)
		setInt(&v.MaxStreams, s.MaxStreams)
	}
	return v
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
