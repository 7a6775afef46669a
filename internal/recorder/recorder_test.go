package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/pipeline"
	"github.com/streamarchive/backend/internal/process"
	"github.com/streamarchive/backend/internal/registry"
	"github.com/streamarchive/backend/internal/settings"
)

// captureScript stands in for the capture tool. The stream URL selects its behaviour.
const captureScript = `#!/usr/bin/env bash
out=""
while [[ $# -gt 2 ]]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    --http-proxy) shift 2 ;;
    *) shift ;;
  esac
done
case "$1" in
  live)
    trap 'exit 0' INT TERM
    head -c 4096 /dev/zero > "$out"
    while true; do sleep 0.05; done ;;
  ended)
    head -c 4096 /dev/zero > "$out"
    exit 0 ;;
  crash)
    head -c 4096 /dev/zero > "$out"
    echo "error: stream returned 404" >&2
    exit 1 ;;
  empty)
    exit 0 ;;
  proxyfail)
    echo "ProxyError: Cannot connect to proxy" >&2
    exit 1 ;;
esac
`

type staticSettings struct{ eff settings.Effective }

func (s staticSettings) EffectiveSettings(context.Context, int64) settings.Effective { return s.eff }

type memStreams struct{}

func (memStreams) GetStreamer(_ context.Context, id int64) (*models.Streamer, error) {
	urls := map[int64]string{1: "live", 2: "ended", 3: "crash", 4: "empty", 5: "proxyfail"}
	return &models.Streamer{ID: id, Name: fmt.Sprintf("streamer%d", id), URL: urls[id]}, nil
}

func (memStreams) GetStream(_ context.Context, id int64) (*models.Stream, error) {
	return &models.Stream{ID: id, Title: "Title", Category: "Games"}, nil
}

type memRecordings struct {
	mu   sync.Mutex
	next int64
	rows map[int64]*models.Recording
}

func newMemRecordings() *memRecordings { return &memRecordings{rows: make(map[int64]*models.Recording)} }

func (m *memRecordings) Create(_ context.Context, rec *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	rec.ID = m.next
	cp := *rec
	m.rows[rec.ID] = &cp
	return nil
}

func (m *memRecordings) GetRecording(_ context.Context, id int64) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memRecordings) SetPath(_ context.Context, id int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].Path = path
	return nil
}

func (m *memRecordings) CompleteRecording(_ context.Context, id int64, end time.Time, dur int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status, r.EndTime, r.Duration = models.RecordingStatusCompleted, &end, dur
	return nil
}

func (m *memRecordings) FailRecording(_ context.Context, id int64, reason, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status, r.FailureReason, r.ErrorMessage, r.FailureTime = models.RecordingStatusFailed, reason, msg, &at
	return nil
}

func (m *memRecordings) CountByStatus(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, r := range m.rows {
		out[r.Status]++
	}
	return out, nil
}

func (m *memRecordings) status(id int64) string {
	r, _ := m.GetRecording(context.Background(), id)
	if r == nil {
		return ""
	}
	return r.Status
}

func (m *memRecordings) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memActive struct {
	mu    sync.Mutex
	rows  map[int64]models.ActiveRecordingState
	beats map[int64][]time.Time
}

func newMemActive() *memActive {
	return &memActive{rows: make(map[int64]models.ActiveRecordingState), beats: make(map[int64][]time.Time)}
}

func (m *memActive) UpsertActive(_ context.Context, s *models.ActiveRecordingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.RecordingID] = *s
	return nil
}

func (m *memActive) ListActive(context.Context) ([]models.ActiveRecordingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActiveRecordingState, 0, len(m.rows))
	for _, s := range m.rows {
		out = append(out, s)
	}
	return out, nil
}

func (m *memActive) DeleteActive(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memActive) TouchHeartbeat(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[id] = append(m.beats[id], at)
	return nil
}

func (m *memActive) SetStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.Status = status
		m.rows[id] = s
	}
	return nil
}

func (m *memActive) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memActive) heartbeats(id int64) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.beats[id]...)
}

type capturePipeline struct {
	mu    sync.Mutex
	infos []pipeline.RecordingInfo
}

func (p *capturePipeline) Enqueue(_ context.Context, info pipeline.RecordingInfo) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, info)
	return true, nil
}

func (p *capturePipeline) Stats() pipeline.Stats { return pipeline.Stats{} }

func (p *capturePipeline) enqueued() []pipeline.RecordingInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.RecordingInfo(nil), p.infos...)
}

type fakeProxies struct {
	mu       sync.Mutex
	proxy    *models.ProxyCandidate
	outcomes []bool
}

func (f *fakeProxies) SelectProxy(context.Context) (*models.ProxyCandidate, error) {
	if f.proxy == nil {
		return nil, nil
	}
	cp := *f.proxy
	return &cp, nil
}

func (f *fakeProxies) ReportOutcome(_ context.Context, _ *models.ProxyCandidate, ok bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, ok)
	return nil
}

func (f *fakeProxies) reported() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.outcomes...)
}

type fixture struct {
	svc        *Service
	reg        *registry.Registry
	recordings *memRecordings
	active     *memActive
	pipe       *capturePipeline
	proxies    *fakeProxies
}

func newFixture(t *testing.T, eff settings.Effective, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "capture")
	require.NoError(t, os.WriteFile(bin, []byte(captureScript), 0o755))

	f := &fixture{
		recordings: newMemRecordings(),
		active:     newMemActive(),
		pipe:       &capturePipeline{},
		proxies:    &fakeProxies{},
	}
	f.reg = registry.New(f.active, nil)
	cfg := Config{
		OutputDir:         filepath.Join(dir, "out"),
		CaptureBinary:     bin,
		HeartbeatInterval: minHeartbeatInterval,
		MinOutputBytes:    1024,
		TerminateTimeout:  5 * time.Second,
		FallbackToDirect:  true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.svc = NewService(cfg, Deps{
		Registry:   f.reg,
		Settings:   staticSettings{eff: eff},
		Proxies:    f.proxies,
		Processes:  process.NewSupervisor(nil),
		Streams:    memStreams{},
		Recordings: f.recordings,
		Active:     f.active,
		Pipeline:   f.pipe,
		Events:     events.Nop{},
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.svc.GracefulShutdown(ctx)
	})
	return f
}

func enabled(limit int) settings.Effective {
	return settings.Effective{Enabled: true, Quality: "best", FilenameTemplate: "{streamer}/{id}_{title}", ConcurrencyCap: limit}
}

func (f *fixture) waitStatus(t *testing.T, id int64, status string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.recordings.status(id) == status }, 10*time.Second, 20*time.Millisecond)
}

// waitWritten blocks until the capture has written enough to pass the output gate,
// so a stop cannot race the script's startup.
func (f *fixture) waitWritten(t *testing.T, rec *models.Recording) {
	t.Helper()
	require.Eventually(t, func() bool {
		fi, err := os.Stat(rec.Path)
		return err == nil && fi.Size() >= f.svc.cfg.MinOutputBytes
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartStopCompletesAndHandsOff(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	ctx := context.Background()

	rec, err := f.svc.StartRecording(ctx, 1, 1, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.svc.cfg.OutputDir, "streamer1", "1_Title.ts"), rec.Path)
	assert.Equal(t, 1, f.reg.Count())
	assert.Equal(t, 1, f.active.len())

	f.waitWritten(t, rec)
	require.Eventually(t, func() bool { return len(f.active.heartbeats(rec.ID)) >= 2 }, 5*time.Second, 20*time.Millisecond)
	beats := f.active.heartbeats(rec.ID)
	for i := 1; i < len(beats); i++ {
		assert.True(t, beats[i].After(beats[i-1]), "heartbeats strictly increase")
	}

	require.NoError(t, f.svc.StopRecording(ctx, rec.ID, "manual"))
	assert.Equal(t, models.RecordingStatusCompleted, f.recordings.status(rec.ID))
	assert.Equal(t, 0, f.reg.Count())
	assert.Equal(t, 0, f.active.len())

	require.Eventually(t, func() bool { return len(f.pipe.enqueued()) == 1 }, 5*time.Second, 10*time.Millisecond)
	info := f.pipe.enqueued()[0]
	assert.Equal(t, rec.ID, info.RecordingID)
	assert.Equal(t, rec.Path, info.RawPath)
	assert.Equal(t, "streamer1", info.StreamerName)

	require.NoError(t, f.svc.StopRecording(ctx, rec.ID, "manual"), "second stop is a no-op")
	assert.Len(t, f.pipe.enqueued(), 1)
}

func TestHandOffCarriesDurationInSeconds(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	var skew atomic.Int64
	f.svc.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }

	rec, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	require.NoError(t, err)
	f.waitWritten(t, rec)
	skew.Store(int64(90 * time.Second))

	require.NoError(t, f.svc.StopRecording(context.Background(), rec.ID, "manual"))
	require.Eventually(t, func() bool { return len(f.pipe.enqueued()) == 1 }, 5*time.Second, 10*time.Millisecond)

	got, _ := f.recordings.GetRecording(context.Background(), rec.ID)
	info := f.pipe.enqueued()[0]
	assert.InDelta(t, 90, info.Duration, 2)
	assert.Equal(t, got.Duration, info.Duration)
}

func TestConcurrentStopsBothSucceed(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	rec, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	require.NoError(t, err)
	f.waitWritten(t, rec)

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- f.svc.StopRecording(context.Background(), rec.ID, "manual")
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		assert.NoError(t, err)
	}
	assert.Equal(t, models.RecordingStatusCompleted, f.recordings.status(rec.ID))
}

func TestDuplicateStreamIsRejected(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	_, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	require.NoError(t, err)

	_, err = f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	assert.ErrorIs(t, err, errs.ErrAlreadyActive)
	assert.Equal(t, 1, f.recordings.count(), "no second recording row")
	assert.Equal(t, 1, f.active.len())
}

func TestAdmissionDeniedHasNoSideEffects(t *testing.T) {
	f := newFixture(t, enabled(1), nil)
	_, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	require.NoError(t, err)

	_, err = f.svc.StartRecording(context.Background(), 2, 2, StartOptions{})
	assert.ErrorIs(t, err, errs.ErrAdmissionDenied)
	assert.Equal(t, 1, f.recordings.count())
	assert.Equal(t, 1, f.active.len())
	assert.Equal(t, 1, f.reg.Count())
}

func TestNaturalEndCompletes(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	rec, err := f.svc.StartRecording(context.Background(), 2, 2, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusCompleted)
	require.Eventually(t, func() bool { return len(f.pipe.enqueued()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCrashFailsWithoutPipeline(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	rec, err := f.svc.StartRecording(context.Background(), 3, 3, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusFailed)

	got, _ := f.recordings.GetRecording(context.Background(), rec.ID)
	assert.Equal(t, models.FailureReasonProcessCrashed, got.FailureReason)
	assert.Contains(t, got.ErrorMessage, "stream returned 404")
	assert.Empty(t, f.pipe.enqueued())
	require.Eventually(t, func() bool { return f.reg.Count() == 0 && f.active.len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEmptyOutputFails(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	rec, err := f.svc.StartRecording(context.Background(), 4, 4, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusFailed)

	got, _ := f.recordings.GetRecording(context.Background(), rec.ID)
	assert.Equal(t, models.FailureReasonOutputEmpty, got.FailureReason)
	assert.Empty(t, f.pipe.enqueued())
}

func TestProxyFailureIsReported(t *testing.T) {
	f := newFixture(t, enabled(5), func(c *Config) { c.ProxyEnabled = true })
	f.proxies.proxy = &models.ProxyCandidate{ID: 7, URL: "http://proxy:3128", Enabled: true}

	rec, err := f.svc.StartRecording(context.Background(), 5, 5, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusFailed)

	got, _ := f.recordings.GetRecording(context.Background(), rec.ID)
	assert.Equal(t, models.FailureReasonProxyError, got.FailureReason)
	require.Eventually(t, func() bool { return len(f.proxies.reported()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{false}, f.proxies.reported())
}

func TestProxySuccessIsReported(t *testing.T) {
	f := newFixture(t, enabled(5), func(c *Config) { c.ProxyEnabled = true })
	f.proxies.proxy = &models.ProxyCandidate{ID: 7, URL: "http://proxy:3128", Enabled: true}

	rec, err := f.svc.StartRecording(context.Background(), 2, 2, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusCompleted)
	require.Eventually(t, func() bool { return len(f.proxies.reported()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true}, f.proxies.reported())
}

func TestNoProxyWithoutFallbackFails(t *testing.T) {
	f := newFixture(t, enabled(5), func(c *Config) {
		c.ProxyEnabled = true
		c.FallbackToDirect = false
	})
	_, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	assert.ErrorIs(t, err, errs.ErrNoProxyAvailable)
	assert.Equal(t, 0, f.recordings.count())
	assert.Equal(t, 0, f.reg.Count())

	f.proxies.proxy = &models.ProxyCandidate{ID: 1, URL: "http://proxy:3128"}
	_, err = f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	assert.NoError(t, err, "the reservation was released")
}

func TestDisabledStreamerNeedsForce(t *testing.T) {
	eff := enabled(5)
	eff.Enabled = false
	f := newFixture(t, eff, nil)

	_, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	assert.ErrorIs(t, err, errs.ErrRecordingDisabled)

	rec, err := f.svc.ForceStart(context.Background(), 1, 1, StartOptions{Quality: "720p"})
	require.NoError(t, err)
	st, ok := f.reg.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "720p", st.Quality)
}

func TestStopUnknownRecording(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	assert.ErrorIs(t, f.svc.StopRecording(context.Background(), 99, "manual"), errs.ErrRecordingNotFound)
}

func TestGracefulShutdownStopsEverything(t *testing.T) {
	f := newFixture(t, enabled(5), nil)
	var ids []int64
	for _, id := range []int64{1, 6} {
		rec, err := f.svc.StartRecording(context.Background(), id, 1, StartOptions{})
		require.NoError(t, err)
		f.waitWritten(t, rec)
		ids = append(ids, rec.ID)
	}
	require.Len(t, f.svc.ListActiveRecordings(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.svc.GracefulShutdown(ctx))

	for _, id := range ids {
		assert.Equal(t, models.RecordingStatusCompleted, f.recordings.status(id))
	}
	assert.Empty(t, f.svc.ListActiveRecordings())
	assert.Len(t, f.pipe.enqueued(), 2)

	_, err := f.svc.StartRecording(context.Background(), 1, 1, StartOptions{})
	assert.ErrorIs(t, err, errs.ErrShuttingDown)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, enabled(3), nil)
	rec, err := f.svc.StartRecording(context.Background(), 4, 4, StartOptions{})
	require.NoError(t, err)
	f.waitStatus(t, rec.ID, models.RecordingStatusFailed)
	require.Eventually(t, func() bool { return f.svc.GetRecordingStatistics(context.Background()).Failed == 1 },
		time.Second, 10*time.Millisecond)

	st := f.svc.GetRecordingStatistics(context.Background())
	assert.Equal(t, 3, st.ConcurrencyCap)
	assert.Equal(t, int64(1), st.Started)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.ByStatus[models.RecordingStatusFailed])
}
