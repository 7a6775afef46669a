package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/models"
)

// ToolRunner runs an external tool and returns its combined output.
type ToolRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec under a per-invocation timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes name with args.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, lastLine(out))
	}
	return out, nil
}

func lastLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}

// EventSource lists title/category changes of a stream.
type EventSource interface {
	StreamEvents(ctx context.Context, streamID int64) ([]models.StreamEvent, error)
}

// FinalPathWriter attaches the finished container path to a recording.
type FinalPathWriter interface {
	SetFinalPath(ctx context.Context, recordingID int64, path string) error
}

// Archiver hands a finished file to the upload worker.
type Archiver interface {
	EnqueueArchive(ctx context.Context, recordingID int64, path string) error
}

// Tools implements the five task handlers on top of ffmpeg and ffprobe.
type Tools struct {
	FFmpeg     string
	FFprobe    string
	Runner     ToolRunner
	Events     EventSource
	Recordings FinalPathWriter
	Archive    Archiver // optional
	Log        *zap.Logger
}

// Register installs every handler on s.
func (h *Tools) Register(s *Scheduler) {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	s.Handle(TaskMetadata, HandlerFunc(h.metadata))
	s.Handle(TaskChapters, HandlerFunc(h.chapters))
	s.Handle(TaskRemux, HandlerFunc(h.remux))
	s.Handle(TaskThumbnail, HandlerFunc(h.thumbnail))
	s.Handle(TaskCleanup, HandlerFunc(h.cleanup))
}

func payload[P Payload](t *Task) (P, error) {
	p, ok := t.Payload.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("task %s: unexpected payload %T", t.Type, t.Payload)
	}
	return p, nil
}

var metaEscaper = strings.NewReplacer(`\`, `\\`, "=", `\=`, ";", `\;`, "#", `\#`, "\n", "\\\n")

func (h *Tools) metadata(_ context.Context, t *Task) error {
	p, err := payload[MetadataPayload](t)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	fmt.Fprintf(&b, "title=%s\n", metaEscaper.Replace(p.Title))
	fmt.Fprintf(&b, "artist=%s\n", metaEscaper.Replace(p.StreamerName))
	if p.Category != "" {
		fmt.Fprintf(&b, "genre=%s\n", metaEscaper.Replace(p.Category))
	}
	if !p.StartedAt.IsZero() {
		fmt.Fprintf(&b, "date=%s\n", p.StartedAt.UTC().Format("2006-01-02"))
		fmt.Fprintf(&b, "comment=%s\n", metaEscaper.Replace("Recorded "+p.StartedAt.UTC().Format(time.RFC3339)))
	}
	return writeFileAtomic(p.OutputPath, []byte(b.String()))
}

// Chapter is one titled span of a recording.
type Chapter struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// BuildChapters turns stream events into contiguous chapters covering [0, total).
func BuildChapters(events []models.StreamEvent, startedAt time.Time, total time.Duration, fallbackTitle string) []Chapter {
	sorted := append([]models.StreamEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var chapters []Chapter
	for _, ev := range sorted {
		off := ev.Timestamp.Sub(startedAt)
		if off < 0 {
			off = 0
		}
		if total > 0 && off >= total {
			break
		}
		title := ev.Title
		if ev.Category != "" {
			title = fmt.Sprintf("%s (%s)", ev.Title, ev.Category)
		}
		if n := len(chapters); n > 0 && chapters[n-1].Start == off {
			chapters[n-1].Title = title
			continue
		}
		chapters = append(chapters, Chapter{Title: title, Start: off})
	}
	if len(chapters) == 0 || chapters[0].Start > 0 {
		chapters = append([]Chapter{{Title: fallbackTitle}}, chapters...)
	}
	for i := range chapters {
		if i+1 < len(chapters) {
			chapters[i].End = chapters[i+1].Start
		} else {
			chapters[i].End = total
		}
		if chapters[i].End <= chapters[i].Start {
			chapters[i].End = chapters[i].Start + time.Second
		}
	}
	return chapters
}

func (h *Tools) chapters(ctx context.Context, t *Task) error {
	p, err := payload[ChaptersPayload](t)
	if err != nil {
		return err
	}
	events, err := h.Events.StreamEvents(ctx, p.StreamID)
	if err != nil {
		return fmt.Errorf("load stream events: %w", err)
	}
	total := time.Duration(p.Duration) * time.Second
	if total <= 0 {
		if d, err := h.probeDuration(ctx, p.InputPath); err == nil {
			total = d
		} else {
			h.Log.Warn("probe duration failed, chapters end open", zap.Int64("recording_id", p.RecordingID), zap.Error(err))
		}
	}
	title := "Stream"
	if len(events) > 0 {
		title = events[0].Title
	}

	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for _, c := range BuildChapters(events, p.StartedAt, total, title) {
		fmt.Fprintf(&b, "\n[CHAPTER]\nTIMEBASE=1/1000\nSTART=%d\nEND=%d\ntitle=%s\n",
			c.Start.Milliseconds(), c.End.Milliseconds(), metaEscaper.Replace(c.Title))
	}
	return writeFileAtomic(p.OutputPath, []byte(b.String()))
}

func (h *Tools) remux(ctx context.Context, t *Task) error {
	p, err := payload[RemuxPayload](t)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p.InputPath); err != nil {
		return fmt.Errorf("raw capture: %w", err)
	}
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", p.InputPath}
	maps := []string{"-map", "0:v?", "-map", "0:a?"}
	next := 1
	if fileExists(p.MetadataPath) {
		args = append(args, "-f", "ffmetadata", "-i", p.MetadataPath)
		maps = append(maps, "-map_metadata", strconv.Itoa(next))
		next++
	}
	if fileExists(p.ChaptersPath) {
		args = append(args, "-f", "ffmetadata", "-i", p.ChaptersPath)
		maps = append(maps, "-map_chapters", strconv.Itoa(next))
	}
	tmp := strings.TrimSuffix(p.OutputPath, ".mp4") + ".part.mp4"
	args = append(args, maps...)
	args = append(args, "-c", "copy", "-movflags", "+faststart", tmp)

	if _, err := h.Runner.Run(ctx, h.FFmpeg, args...); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("remux: %w", err)
	}
	if _, err := h.probeDuration(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("validate mp4: %w", err)
	}
	if err := os.Rename(tmp, p.OutputPath); err != nil {
		return fmt.Errorf("rename mp4: %w", err)
	}
	if err := h.Recordings.SetFinalPath(ctx, p.RecordingID, p.OutputPath); err != nil {
		return fmt.Errorf("store final path: %w", err)
	}
	return nil
}

func (h *Tools) thumbnail(ctx context.Context, t *Task) error {
	p, err := payload[ThumbnailPayload](t)
	if err != nil {
		return err
	}
	grab := func(offset time.Duration) error {
		_, err := h.Runner.Run(ctx, h.FFmpeg, "-hide_banner", "-nostdin", "-y",
			"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
			"-i", p.VideoPath, "-frames:v", "1", "-q:v", "2", p.OutputPath)
		if err != nil {
			return err
		}
		if !fileExists(p.OutputPath) {
			return errors.New("no frame extracted")
		}
		return nil
	}
	err = grab(p.Offset)
	if err != nil && p.Offset > 0 {
		// short recordings end before the offset
		err = grab(0)
	}
	if err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	return nil
}

func (h *Tools) cleanup(ctx context.Context, t *Task) error {
	p, err := payload[CleanupPayload](t)
	if err != nil {
		return err
	}
	if !fileExists(p.VideoPath) {
		return fmt.Errorf("finished file missing, refusing to delete sources: %s", p.VideoPath)
	}
	for _, path := range p.Remove {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	if p.Archive && h.Archive != nil {
		if err := h.Archive.EnqueueArchive(ctx, p.RecordingID, p.VideoPath); err != nil {
			return fmt.Errorf("enqueue archive: %w", err)
		}
	}
	return nil
}

func (h *Tools) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := h.Runner.Run(ctx, h.FFprobe, "-v", "error",
		"-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive duration %.3f", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
