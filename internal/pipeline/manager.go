package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/models"
)

// StateStore is the persistence the manager needs for RecordingProcessingState.
type StateStore interface {
	StepWriter
	GetState(ctx context.Context, recordingID int64) (*models.RecordingProcessingState, error)
	CreateState(ctx context.Context, recordingID int64) error
	SetTaskIDs(ctx context.Context, recordingID int64, ids []string) error
	Abandon(ctx context.Context, recordingID int64, msg string) error
	ListUnfinished(ctx context.Context) ([]int64, error)
}

// InfoSource loads what the factory needs for a recording id.
type InfoSource interface {
	PipelineInfo(ctx context.Context, recordingID int64) (*RecordingInfo, error)
}

// Manager turns finished captures into scheduled chains, fresh or repaired.
type Manager struct {
	sched   *Scheduler
	factory *Factory
	store   StateStore
	events  events.Publisher
	log     *zap.Logger
}

// NewManager wires the manager as the scheduler's listener.
func NewManager(sched *Scheduler, factory *Factory, store StateStore, pub events.Publisher, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	m := &Manager{sched: sched, factory: factory, store: store, events: pub, log: log}
	sched.SetListener(m)
	return m
}

// Enqueue schedules post-processing for a recording. With no state row it submits the canonical
// graph; with a partial row it submits a repair chain of the unfinished steps; a finished row is a no-op.
// It reports whether a chain was submitted.
func (m *Manager) Enqueue(ctx context.Context, info RecordingInfo) (bool, error) {
	if m.sched.Active(info.RecordingID) {
		return false, fmt.Errorf("%w: recording %d", errs.ErrDuplicateChain, info.RecordingID)
	}
	state, err := m.store.GetState(ctx, info.RecordingID)
	if err != nil {
		return false, fmt.Errorf("load processing state: %w", err)
	}

	var tasks []*Task
	switch {
	case state == nil:
		if err := m.store.CreateState(ctx, info.RecordingID); err != nil {
			return false, fmt.Errorf("create processing state: %w", err)
		}
		tasks = m.factory.BuildCanonical(info)
	case state.Finished():
		m.log.Debug("pipeline already finished", zap.Int64("recording_id", info.RecordingID))
		return false, nil
	default:
		tasks = m.factory.BuildRepair(info, state)
	}
	if len(tasks) == 0 {
		return false, nil
	}

	if err := m.sched.Submit(tasks); err != nil {
		return false, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := m.store.SetTaskIDs(ctx, info.RecordingID, ids); err != nil {
		m.log.Warn("store task ids failed", zap.Int64("recording_id", info.RecordingID), zap.Error(err))
	}
	m.log.Info("post-processing enqueued",
		zap.Int64("recording_id", info.RecordingID),
		zap.Bool("repair", state != nil),
		zap.Int("tasks", len(tasks)),
	)
	return true, nil
}

// Resume re-enqueues every recording whose pipeline was interrupted. Chains that ended failed are
// abandoned and only run again through an explicit Enqueue. Per-recording errors are logged.
func (m *Manager) Resume(ctx context.Context, src InfoSource) (int, error) {
	ids, err := m.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished pipelines: %w", err)
	}
	resumed := 0
	for _, id := range ids {
		info, err := src.PipelineInfo(ctx, id)
		if err != nil || info == nil {
			m.log.Warn("skip pipeline resume", zap.Int64("recording_id", id), zap.Error(err))
			continue
		}
		ok, err := m.Enqueue(ctx, *info)
		if err != nil {
			if !errors.Is(err, errs.ErrDuplicateChain) {
				m.log.Warn("pipeline resume failed", zap.Int64("recording_id", id), zap.Error(err))
			}
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

// Stats exposes scheduler counters.
func (m *Manager) Stats() Stats { return m.sched.Stats() }

// TaskUpdated implements Listener.
func (m *Manager) TaskUpdated(recordingID int64, taskType TaskType, status TaskStatus, err error) {
	data := map[string]string{"task": string(taskType)}
	if err != nil {
		data["error"] = err.Error()
	}
	_ = m.events.Publish(context.Background(), events.New(events.PipelineTask, recordingID, string(status), data))
}

// ChainFinished implements Listener.
func (m *Manager) ChainFinished(res ChainResult) {
	ctx := context.Background()
	if res.OK {
		_ = m.events.Publish(ctx, events.New(events.PipelineCompleted, res.RecordingID, string(TaskCompleted), nil))
		return
	}
	msg := res.LastError
	if msg == "" {
		msg = "failed steps: " + joinTypes(res.Failed)
	}
	if err := m.store.Abandon(ctx, res.RecordingID, msg); err != nil {
		m.log.Warn("store pipeline error failed", zap.Int64("recording_id", res.RecordingID), zap.Error(err))
	}
	_ = m.events.Publish(ctx, events.New(events.PipelineFailed, res.RecordingID, string(TaskFailed), map[string]any{
		"failed":  res.Failed,
		"blocked": res.Blocked,
		"error":   msg,
	}))
}

func joinTypes(ts []TaskType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
