package pipeline

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamarchive/backend/internal/models"
)

// RecordingInfo is what the factory needs to know about a finished capture.
type RecordingInfo struct {
	RecordingID  int64
	StreamID     int64
	StreamerName string
	Title        string
	Category     string
	StartedAt    time.Time
	Duration     int // seconds, 0 when unknown
	RawPath      string
}

// FactoryConfig controls retry budgets and optional steps.
type FactoryConfig struct {
	MaxRetries      int
	CleanupRaw      bool
	Archive         bool
	ThumbnailOffset time.Duration
}

// Factory builds the canonical post-processing graph:
//
//	metadata ─┐
//	          ├─> mp4_remux ─> thumbnail ─> cleanup
//	chapters ─┘
type Factory struct {
	cfg FactoryConfig
}

// NewFactory creates a task factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ThumbnailOffset <= 0 {
		cfg.ThumbnailOffset = 10 * time.Second
	}
	return &Factory{cfg: cfg}
}

// Paths are the artifacts derived from a raw capture path.
type Paths struct {
	Metadata  string
	Chapters  string
	Video     string
	Thumbnail string
}

// DerivePaths places every artifact next to the raw file.
func DerivePaths(rawPath string) Paths {
	base := strings.TrimSuffix(rawPath, filepath.Ext(rawPath))
	return Paths{
		Metadata:  base + ".ffmeta",
		Chapters:  base + ".chapters.ffmeta",
		Video:     base + ".mp4",
		Thumbnail: base + "_thumb.jpg",
	}
}

// BuildCanonical returns the full five-task graph.
func (f *Factory) BuildCanonical(info RecordingInfo) []*Task {
	return f.build(info, func(TaskType) bool { return false })
}

// BuildRepair returns only the tasks whose steps are not completed in state.
// Dependencies on completed tasks are dropped; their on-disk outputs are reused.
func (f *Factory) BuildRepair(info RecordingInfo, state *models.RecordingProcessingState) []*Task {
	return f.build(info, func(t TaskType) bool {
		for _, step := range t.Steps() {
			if !state.Done(step) {
				return false
			}
		}
		return true
	})
}

func (f *Factory) build(info RecordingInfo, done func(TaskType) bool) []*Task {
	p := DerivePaths(info.RawPath)
	ids := make(map[TaskType]string, 5)
	var out []*Task

	add := func(tt TaskType, priority int, payload Payload, deps ...TaskType) {
		if done(tt) {
			return
		}
		t := &Task{
			ID:          uuid.NewString(),
			RecordingID: info.RecordingID,
			Type:        tt,
			Payload:     payload,
			Priority:    priority,
			MaxRetries:  f.cfg.MaxRetries,
		}
		for _, d := range deps {
			if id, ok := ids[d]; ok {
				t.Deps = append(t.Deps, id)
			}
		}
		ids[tt] = t.ID
		out = append(out, t)
	}

	add(TaskMetadata, 0, MetadataPayload{
		RecordingID:  info.RecordingID,
		StreamerName: info.StreamerName,
		Title:        info.Title,
		Category:     info.Category,
		StartedAt:    info.StartedAt,
		OutputPath:   p.Metadata,
	})
	add(TaskChapters, 0, ChaptersPayload{
		RecordingID: info.RecordingID,
		StreamID:    info.StreamID,
		StartedAt:   info.StartedAt,
		Duration:    info.Duration,
		InputPath:   info.RawPath,
		OutputPath:  p.Chapters,
	})
	add(TaskRemux, 1, RemuxPayload{
		RecordingID:  info.RecordingID,
		InputPath:    info.RawPath,
		OutputPath:   p.Video,
		MetadataPath: p.Metadata,
		ChaptersPath: p.Chapters,
	}, TaskMetadata, TaskChapters)
	add(TaskThumbnail, 2, ThumbnailPayload{
		RecordingID: info.RecordingID,
		VideoPath:   p.Video,
		OutputPath:  p.Thumbnail,
		Offset:      f.cfg.ThumbnailOffset,
	}, TaskRemux)

	remove := []string{p.Metadata, p.Chapters}
	if f.cfg.CleanupRaw {
		remove = append(remove, info.RawPath)
	}
	add(TaskCleanup, 3, CleanupPayload{
		RecordingID: info.RecordingID,
		VideoPath:   p.Video,
		Remove:      remove,
		Archive:     f.cfg.Archive,
	}, TaskThumbnail)

	return out
}
