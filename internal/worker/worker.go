package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/pkg/queue"
	"github.com/streamarchive/backend/pkg/storage"
)

// RecordingStore reads recordings and stores their archive location.
type RecordingStore interface {
	GetRecording(ctx context.Context, id int64) (*models.Recording, error)
	SetArchive(ctx context.Context, id int64, url, key string) error
}

// Uploader puts objects into the archive bucket.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	RecordingsBucket() string
}

// JobQueue hands out archive jobs and takes back failed ones.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchiveProcessor uploads finished recordings to S3.
type ArchiveProcessor struct {
	recRepo RecordingStore
	s3      Uploader
	queue   JobQueue
	backoff time.Duration
	logger  *zap.Logger
}

// NewArchiveProcessor creates an archive upload processor.
func NewArchiveProcessor(recRepo RecordingStore, s3 Uploader, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{recRepo: recRepo, s3: s3, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one archive upload job. Recordings that already carry an archive key are skipped.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchiveUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.recRepo.GetRecording(ctx, payload.RecordingID)
	if err != nil {
		return fmt.Errorf("get recording: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("recording not found: %d", payload.RecordingID)
	}
	if rec.ArchiveKey != "" {
		p.logger.Info("recording already archived", zap.Int64("recording_id", rec.ID), zap.String("s3_key", rec.ArchiveKey))
		metrics.ArchiveUploads.WithLabelValues("skipped").Inc()
		return nil
	}

	f, err := os.Open(payload.Path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	key := storage.RecordingKey(rec.ID, payload.Path)
	url, err := p.s3.Upload(ctx, p.s3.RecordingsBucket(), key, contentType(payload.Path), f, info.Size())
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.recRepo.SetArchive(ctx, rec.ID, url, key); err != nil {
		return fmt.Errorf("update db: %w", err)
	}

	metrics.ArchiveUploads.WithLabelValues("uploaded").Inc()
	p.logger.Info("recording archived",
		zap.Int64("recording_id", rec.ID),
		zap.String("s3_key", key),
		zap.Int64("size", info.Size()),
	)
	return nil
}

// Serve runs the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return ctx.Err()
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			metrics.ArchiveUploads.WithLabelValues("failed").Inc()
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) String() string { return "archive-worker" }

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	case ".jpg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
