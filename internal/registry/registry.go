// Package registry tracks the recordings controlled by this process and their monitor tasks.
//
// Membership in the registry is the only answer to "is this instance recording that stream".
// The durable active_recording_state table is a recovery hint written through SaveSnapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
)

// SnapshotStore persists and reads active recording rows.
type SnapshotStore interface {
	UpsertActive(ctx context.Context, s *models.ActiveRecordingState) error
	ListActive(ctx context.Context) ([]models.ActiveRecordingState, error)
}

// Task is the monitor loop bound to one recording.
type Task struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

type entry struct {
	state   models.ActiveRecordingState
	task    *Task
	retired bool // terminal; kept for ownership but never snapshotted again
}

// Registry is the in-memory table of active recordings.
type Registry struct {
	store SnapshotStore
	log   *zap.Logger

	mu       sync.Mutex
	entries  map[int64]*entry // by recording id
	byStream map[int64]int64
	reserved map[int64]struct{} // stream ids between admission and Add

	snapMu sync.Mutex // held for a whole SaveSnapshot pass
}

// New creates an empty registry.
func New(store SnapshotStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:    store,
		log:      log,
		entries:  make(map[int64]*entry),
		byStream: make(map[int64]int64),
		reserved: make(map[int64]struct{}),
	}
}

// Reservation holds an admission slot for a stream until Add or Release.
type Reservation struct {
	r        *Registry
	streamID int64
	once     sync.Once
}

// Release frees the slot. It is a no-op after Add consumed the reservation.
func (res *Reservation) Release() {
	res.once.Do(func() {
		res.r.mu.Lock()
		delete(res.r.reserved, res.streamID)
		res.r.mu.Unlock()
	})
}

// Reserve atomically checks that the stream is not recorded and that fewer than limit recordings
// are held, and claims a slot. limit <= 0 disables the capacity check.
func (r *Registry) Reserve(streamID int64, limit int) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byStream[streamID]; ok {
		return nil, errs.ErrAlreadyActive
	}
	if _, ok := r.reserved[streamID]; ok {
		return nil, errs.ErrAlreadyActive
	}
	if limit > 0 && len(r.entries)+len(r.reserved) >= limit {
		return nil, fmt.Errorf("%w: %d of %d slots in use", errs.ErrAdmissionDenied, len(r.entries)+len(r.reserved), limit)
	}
	r.reserved[streamID] = struct{}{}
	return &Reservation{r: r, streamID: streamID}, nil
}

// Add registers a recording together with its monitor task, consuming res.
func (r *Registry) Add(res *Reservation, state models.ActiveRecordingState, task *Task) error {
	if task == nil {
		return errors.New("registry: recording needs a monitor task")
	}
	if res == nil || res.streamID != state.StreamID {
		return errors.New("registry: reservation does not match stream")
	}
	consumed := false
	res.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.reserved, state.StreamID)
		r.entries[state.RecordingID] = &entry{state: state, task: task}
		r.byStream[state.StreamID] = state.RecordingID
		consumed = true
	})
	if !consumed {
		return errors.New("registry: reservation already released")
	}
	metrics.RecordingsActive.Inc()
	return nil
}

// Remove drops a recording. It returns false when the recording was not registered.
func (r *Registry) Remove(recordingID int64) bool {
	r.mu.Lock()
	e, ok := r.entries[recordingID]
	if ok {
		delete(r.entries, recordingID)
		if r.byStream[e.state.StreamID] == recordingID {
			delete(r.byStream, e.state.StreamID)
		}
	}
	r.mu.Unlock()
	if ok {
		metrics.RecordingsActive.Dec()
	}
	return ok
}

// Retire excludes a recording from later snapshots and waits for a snapshot pass already
// in flight. Once it returns the durable row can be deleted without being written back.
// The entry stays registered until Remove.
func (r *Registry) Retire(recordingID int64) bool {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recordingID]
	if ok {
		e.retired = true
	}
	return ok
}

// Get returns a copy of the registered state.
func (r *Registry) Get(recordingID int64) (models.ActiveRecordingState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recordingID]
	if !ok {
		return models.ActiveRecordingState{}, false
	}
	return e.state, true
}

// ByStream returns the recording id registered for a stream.
func (r *Registry) ByStream(streamID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byStream[streamID]
	return id, ok
}

// List returns copies of every registered state.
func (r *Registry) List() []models.ActiveRecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ActiveRecordingState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state)
	}
	return out
}

// Count returns the number of registered recordings.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Update applies fn to the registered state under the lock.
func (r *Registry) Update(recordingID int64, fn func(*models.ActiveRecordingState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recordingID]
	if ok {
		fn(&e.state)
	}
	return ok
}

// AddTask replaces the monitor task of a registered recording.
func (r *Registry) AddTask(recordingID int64, task *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recordingID]
	if ok {
		e.task = task
	}
	return ok
}

// RemoveTask detaches and returns the monitor task.
func (r *Registry) RemoveTask(recordingID int64) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[recordingID]
	if !ok {
		return nil
	}
	t := e.task
	e.task = nil
	return t
}

// Task returns the monitor task of a recording.
func (r *Registry) Task(recordingID int64) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[recordingID]; ok {
		return e.task
	}
	return nil
}

// CancelAll cancels every monitor task and returns their done channels.
func (r *Registry) CancelAll() []<-chan struct{} {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.entries))
	for _, e := range r.entries {
		if e.task != nil {
			tasks = append(tasks, e.task)
		}
	}
	r.mu.Unlock()

	done := make([]<-chan struct{}, 0, len(tasks))
	for _, t := range tasks {
		t.Cancel()
		done = append(done, t.Done)
	}
	return done
}

// SaveSnapshot writes every registered state to the store. Failures are logged per row
// and joined into the returned error; the hot path never waits on this.
func (r *Registry) SaveSnapshot(ctx context.Context) error {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	r.mu.Lock()
	states := make([]models.ActiveRecordingState, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.retired {
			states = append(states, e.state)
		}
	}
	r.mu.Unlock()
	var errList []error
	for i := range states {
		if err := r.store.UpsertActive(ctx, &states[i]); err != nil {
			r.log.Warn("snapshot write failed", zap.Int64("recording_id", states[i].RecordingID), zap.Error(err))
			errList = append(errList, err)
		}
	}
	r.log.Debug("registry snapshot saved", zap.Int("recordings", len(states)), zap.Int("errors", len(errList)))
	return errors.Join(errList...)
}

// LoadSnapshot reads the persisted active rows.
func (r *Registry) LoadSnapshot(ctx context.Context) ([]models.ActiveRecordingState, error) {
	return r.store.ListActive(ctx)
}
