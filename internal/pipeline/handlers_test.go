package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamarchive/backend/internal/models"
)

type stubEvents []models.StreamEvent

func (s stubEvents) StreamEvents(context.Context, int64) ([]models.StreamEvent, error) {
	return s, nil
}

type finalPaths struct {
	mu    sync.Mutex
	paths map[int64]string
}

func (f *finalPaths) SetFinalPath(_ context.Context, id int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paths == nil {
		f.paths = make(map[int64]string)
	}
	f.paths[id] = path
	return nil
}

type archiveLog struct {
	paths []string
}

func (a *archiveLog) EnqueueArchive(_ context.Context, _ int64, path string) error {
	a.paths = append(a.paths, path)
	return nil
}

// fakeTools writes ffmpeg/ffprobe stand-ins into a temp dir.
func fakeTools(t *testing.T, ffmpegBody, ffprobeBody string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	ffprobe := filepath.Join(dir, "ffprobe")
	require.NoError(t, os.WriteFile(ffmpeg, []byte("#!/usr/bin/env bash\nset -euo pipefail\n"+ffmpegBody), 0o755))
	require.NoError(t, os.WriteFile(ffprobe, []byte("#!/usr/bin/env bash\nset -euo pipefail\n"+ffprobeBody), 0o755))
	return ffmpeg, ffprobe
}

const writeLastArg = `out="${@: -1}"
printf 'data' > "$out"
`

func newTools(t *testing.T, ffmpegBody, ffprobeBody string, ev stubEvents) (*Tools, *finalPaths, *archiveLog) {
	ffmpeg, ffprobe := fakeTools(t, ffmpegBody, ffprobeBody)
	fp := &finalPaths{}
	arch := &archiveLog{}
	return &Tools{
		FFmpeg:     ffmpeg,
		FFprobe:    ffprobe,
		Runner:     ExecRunner{Timeout: 10 * time.Second},
		Events:     ev,
		Recordings: fp,
		Archive:    arch,
	}, fp, arch
}

func TestMetadataFileEscapesValues(t *testing.T) {
	tools, _, _ := newTools(t, "", "", nil)
	out := filepath.Join(t.TempDir(), "rec.ffmeta")
	err := tools.metadata(context.Background(), &Task{Type: TaskMetadata, Payload: MetadataPayload{
		RecordingID:  1,
		StreamerName: "alice",
		Title:        "speedrun = 100% ; #1",
		Category:     "Games",
		StartedAt:    time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
		OutputPath:   out,
	}})
	require.NoError(t, err)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), ";FFMETADATA1\n"))
	assert.Contains(t, string(body), `title=speedrun \= 100% \; \#1`)
	assert.Contains(t, string(body), "artist=alice")
	assert.Contains(t, string(body), "genre=Games")
	assert.Contains(t, string(body), "date=2026-03-01")
}

func TestBuildChapters(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	events := []models.StreamEvent{
		{Title: "Just Chatting", Timestamp: start.Add(-time.Minute)},
		{Title: "Elden Ring", Category: "RPG", Timestamp: start.Add(30 * time.Minute)},
		{Title: "Late", Timestamp: start.Add(3 * time.Hour)},
	}
	got := BuildChapters(events, start, 2*time.Hour, "fallback")
	require.Len(t, got, 2)
	assert.Equal(t, Chapter{Title: "Just Chatting", Start: 0, End: 30 * time.Minute}, got[0])
	assert.Equal(t, Chapter{Title: "Elden Ring (RPG)", Start: 30 * time.Minute, End: 2 * time.Hour}, got[1])

	none := BuildChapters(nil, start, time.Hour, "Stream")
	assert.Equal(t, []Chapter{{Title: "Stream", Start: 0, End: time.Hour}}, none)

	late := BuildChapters([]models.StreamEvent{{Title: "B", Timestamp: start.Add(time.Minute)}}, start, 0, "A")
	require.Len(t, late, 2)
	assert.Equal(t, "A", late[0].Title)
	assert.Equal(t, time.Minute+time.Second, late[1].End)
}

func TestChaptersProbesDurationWhenUnknown(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	tools, _, _ := newTools(t, "", "echo 120.5\n", stubEvents{{Title: "Intro", Timestamp: start}})
	out := filepath.Join(t.TempDir(), "rec.chapters.ffmeta")
	err := tools.chapters(context.Background(), &Task{Type: TaskChapters, Payload: ChaptersPayload{
		StreamID: 1, StartedAt: start, InputPath: "/dev/null", OutputPath: out,
	}})
	require.NoError(t, err)
	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(body), "START=0\nEND=120500\ntitle=Intro")
}

func TestRemuxValidatesAndStoresFinalPath(t *testing.T) {
	tools, fp, _ := newTools(t, writeLastArg, "echo 42.0\n", nil)
	dir := t.TempDir()
	raw := filepath.Join(dir, "rec.ts")
	require.NoError(t, os.WriteFile(raw, []byte("ts"), 0o644))
	p := DerivePaths(raw)

	err := tools.remux(context.Background(), &Task{Type: TaskRemux, Payload: RemuxPayload{
		RecordingID: 9, InputPath: raw, OutputPath: p.Video, MetadataPath: p.Metadata, ChaptersPath: p.Chapters,
	}})
	require.NoError(t, err)
	assert.FileExists(t, p.Video)
	assert.NoFileExists(t, strings.TrimSuffix(p.Video, ".mp4")+".part.mp4")
	assert.Equal(t, p.Video, fp.paths[9])
}

func TestRemuxFailsValidation(t *testing.T) {
	tools, fp, _ := newTools(t, writeLastArg, "echo N/A\n", nil)
	dir := t.TempDir()
	raw := filepath.Join(dir, "rec.ts")
	require.NoError(t, os.WriteFile(raw, []byte("ts"), 0o644))
	p := DerivePaths(raw)

	err := tools.remux(context.Background(), &Task{Type: TaskRemux, Payload: RemuxPayload{
		RecordingID: 9, InputPath: raw, OutputPath: p.Video,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate mp4")
	assert.NoFileExists(t, p.Video)
	assert.Empty(t, fp.paths)
}

func TestThumbnailFallsBackToFirstFrame(t *testing.T) {
	script := `if [[ "$*" == *"-ss 10.000"* ]]; then exit 0; fi
` + writeLastArg
	tools, _, _ := newTools(t, script, "", nil)
	out := filepath.Join(t.TempDir(), "thumb.jpg")
	err := tools.thumbnail(context.Background(), &Task{Type: TaskThumbnail, Payload: ThumbnailPayload{
		VideoPath: "/dev/null", OutputPath: out, Offset: 10 * time.Second,
	}})
	require.NoError(t, err)
	assert.FileExists(t, out)
}

func TestCleanupRemovesSourcesAndArchives(t *testing.T) {
	tools, _, arch := newTools(t, "", "", nil)
	dir := t.TempDir()
	raw := filepath.Join(dir, "rec.ts")
	video := filepath.Join(dir, "rec.mp4")
	require.NoError(t, os.WriteFile(raw, []byte("ts"), 0o644))
	require.NoError(t, os.WriteFile(video, []byte("mp4"), 0o644))

	err := tools.cleanup(context.Background(), &Task{Type: TaskCleanup, Payload: CleanupPayload{
		VideoPath: video, Remove: []string{raw, filepath.Join(dir, "missing.ffmeta")}, Archive: true,
	}})
	require.NoError(t, err)
	assert.NoFileExists(t, raw)
	assert.Equal(t, []string{video}, arch.paths)
}

func TestCleanupKeepsSourcesWithoutVideo(t *testing.T) {
	tools, _, _ := newTools(t, "", "", nil)
	dir := t.TempDir()
	raw := filepath.Join(dir, "rec.ts")
	require.NoError(t, os.WriteFile(raw, []byte("ts"), 0o644))

	err := tools.cleanup(context.Background(), &Task{Type: TaskCleanup, Payload: CleanupPayload{
		VideoPath: filepath.Join(dir, "rec.mp4"), Remove: []string{raw},
	}})
	require.Error(t, err)
	assert.FileExists(t, raw)
}

func TestWrongPayloadIsAnError(t *testing.T) {
	tools, _, _ := newTools(t, "", "", nil)
	err := tools.thumbnail(context.Background(), &Task{Type: TaskThumbnail, Payload: CleanupPayload{}})
	assert.Error(t, err)
}
