package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
)

// Handler executes one task. Handlers own their timeouts; the scheduler never cancels them.
type Handler interface {
	Run(ctx context.Context, t *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) error

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, t *Task) error { return f(ctx, t) }

// StepWriter persists step status transitions.
type StepWriter interface {
	UpdateSteps(ctx context.Context, recordingID int64, steps []models.Step, status models.StepStatus, lastError string) error
}

// ChainResult is reported once every task of a recording reached a terminal status.
type ChainResult struct {
	RecordingID int64
	OK          bool
	Failed      []TaskType
	Blocked     []TaskType
	LastError   string
}

// Listener observes task progress. Calls happen outside the scheduler lock.
type Listener interface {
	TaskUpdated(recordingID int64, taskType TaskType, status TaskStatus, err error)
	ChainFinished(res ChainResult)
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Ready        int   `json:"ready"`
	Running      int   `json:"running"`
	ActiveChains int   `json:"active_chains"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Blocked      int64 `json:"blocked"`
	Retries      int64 `json:"retries"`
}

// SchedulerConfig configures worker count and retry pacing.
type SchedulerConfig struct {
	Workers        int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type chain struct {
	tasks     []*Task
	remaining int
}

// Scheduler is a priority-ordered executor for per-recording task graphs.
type Scheduler struct {
	cfg      SchedulerConfig
	handlers map[TaskType]Handler
	steps    StepWriter
	listener Listener
	log      *zap.Logger

	mu     sync.Mutex
	chains map[int64]*chain
	ready  readyQueue
	seq    uint64
	stats  Stats
	wake   chan struct{}
}

// NewScheduler creates a scheduler. Register handlers before calling Serve.
func NewScheduler(cfg SchedulerConfig, steps StepWriter, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 30 * cfg.RetryBaseDelay
	}
	return &Scheduler{
		cfg:      cfg,
		handlers: make(map[TaskType]Handler),
		steps:    steps,
		log:      log,
		chains:   make(map[int64]*chain),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the handler for a task type.
func (s *Scheduler) Handle(t TaskType, h Handler) { s.handlers[t] = h }

// SetListener sets the progress listener.
func (s *Scheduler) SetListener(l Listener) { s.listener = l }

// Submit validates tasks as one graph for a single recording and queues the ready ones.
// A recording can only have one chain in flight.
func (s *Scheduler) Submit(tasks []*Task) error {
	if len(tasks) == 0 {
		return errors.New("pipeline: empty submission")
	}
	recordingID := tasks[0].RecordingID
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return errors.New("pipeline: task without id")
		}
		if t.RecordingID != recordingID {
			return fmt.Errorf("pipeline: task %s belongs to recording %d, submission is for %d", t.ID, t.RecordingID, recordingID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("pipeline: duplicate task id %s", t.ID)
		}
		if _, ok := s.handlers[t.Type]; !ok {
			return fmt.Errorf("pipeline: no handler for %s", t.Type)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Deps {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("pipeline: task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	if err := checkAcyclic(tasks, byID); err != nil {
		return err
	}

	s.mu.Lock()
	if _, busy := s.chains[recordingID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: recording %d", errs.ErrDuplicateChain, recordingID)
	}
	for _, t := range tasks {
		t.Status = TaskPending
		t.Attempts = 0
		t.LastError = ""
		t.dependents = nil
		t.waiting = len(t.Deps)
		t.retry = nil
	}
	for _, t := range tasks {
		for _, dep := range t.Deps {
			byID[dep].dependents = append(byID[dep].dependents, t)
		}
	}
	s.chains[recordingID] = &chain{tasks: tasks, remaining: len(tasks)}
	for _, t := range tasks {
		s.seq++
		t.seq = s.seq
		if t.waiting == 0 {
			s.pushReady(t)
		}
	}
	s.mu.Unlock()
	s.signal()

	s.log.Info("pipeline chain submitted", zap.Int64("recording_id", recordingID), zap.Int("tasks", len(tasks)))
	return nil
}

// checkAcyclic runs Kahn's algorithm over the submission.
func checkAcyclic(tasks []*Task, byID map[string]*Task) error {
	indegree := make(map[string]int, len(tasks))
	children := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = len(t.Deps)
		for _, dep := range t.Deps {
			children[dep] = append(children[dep], t.ID)
		}
	}
	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if visited != len(byID) {
		return fmt.Errorf("%w: %d of %d tasks unreachable", errs.ErrCycle, len(byID)-visited, len(byID))
	}
	return nil
}

// Active reports whether a chain is in flight for the recording.
func (s *Scheduler) Active(recordingID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chains[recordingID]
	return ok
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Ready = s.ready.Len()
	st.ActiveChains = len(s.chains)
	return st
}

// Serve runs the worker pool until ctx is cancelled. Running tasks finish on their own.
func (s *Scheduler) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				t := s.next(gctx)
				if t == nil {
					return nil
				}
				s.execute(context.WithoutCancel(gctx), t)
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "pipeline-scheduler" }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pushReady must be called with s.mu held.
func (s *Scheduler) pushReady(t *Task) {
	t.Status = TaskReady
	heap.Push(&s.ready, t)
	metrics.PipelineQueueDepth.Set(float64(s.ready.Len()))
}

func (s *Scheduler) next(ctx context.Context) *Task {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		if s.ready.Len() > 0 {
			t := heap.Pop(&s.ready).(*Task)
			t.Status = TaskRunning
			t.Attempts++
			s.stats.Running++
			more := s.ready.Len() > 0
			metrics.PipelineQueueDepth.Set(float64(s.ready.Len()))
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return t
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *Task) {
	log := s.log.With(zap.Int64("recording_id", t.RecordingID), zap.String("task", string(t.Type)), zap.Int("attempt", t.Attempts))
	s.persist(ctx, t, models.StepRunning, "")
	s.notify(t.RecordingID, t.Type, TaskRunning, nil)

	start := time.Now()
	err := s.invoke(ctx, t)
	metrics.PipelineTaskDuration.WithLabelValues(string(t.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		s.persist(ctx, t, models.StepCompleted, "")
		log.Info("pipeline task completed", zap.Duration("duration", time.Since(start)))
		metrics.PipelineTasks.WithLabelValues(string(t.Type), "completed").Inc()
		s.complete(t)
		return
	}

	stepErr := &errs.StepError{Step: string(t.Type), Err: err}
	s.persist(ctx, t, models.StepFailed, stepErr.Error())
	s.fail(t, stepErr, log)
}

func (s *Scheduler) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handlers[t.Type].Run(ctx, t)
}

func (s *Scheduler) persist(ctx context.Context, t *Task, status models.StepStatus, lastErr string) {
	if s.steps == nil {
		return
	}
	op := func() error {
		return s.steps.UpdateSteps(ctx, t.RecordingID, t.Type.Steps(), status, lastErr)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.log.Warn("persist step status failed",
			zap.Int64("recording_id", t.RecordingID),
			zap.String("task", string(t.Type)),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) notify(recordingID int64, tt TaskType, status TaskStatus, err error) {
	if s.listener != nil {
		s.listener.TaskUpdated(recordingID, tt, status, err)
	}
}

func (s *Scheduler) complete(t *Task) {
	s.mu.Lock()
	s.stats.Running--
	s.stats.Completed++
	t.Status = TaskCompleted
	for _, d := range t.dependents {
		d.waiting--
		if d.waiting == 0 && d.Status == TaskPending {
			s.pushReady(d)
		}
	}
	res, done := s.settle(t, nil)
	s.mu.Unlock()
	s.signal()

	s.notify(t.RecordingID, t.Type, TaskCompleted, nil)
	if done {
		s.finish(res)
	}
}

func (s *Scheduler) fail(t *Task, err error, log *zap.Logger) {
	s.mu.Lock()
	s.stats.Running--
	t.LastError = err.Error()
	if t.Attempts <= t.MaxRetries {
		t.Status = TaskPending
		s.stats.Retries++
		delay := s.retryDelay(t)
		s.mu.Unlock()

		log.Warn("pipeline task failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		metrics.PipelineTasks.WithLabelValues(string(t.Type), "retry").Inc()
		time.AfterFunc(delay, func() {
			s.mu.Lock()
			if t.Status == TaskPending {
				s.pushReady(t)
			}
			s.mu.Unlock()
			s.signal()
		})
		return
	}

	t.Status = TaskFailed
	s.stats.Failed++
	blocked := s.blockDependents(t)
	res, done := s.settle(t, blocked)
	s.mu.Unlock()

	log.Error("pipeline task failed", zap.Int("blocked", len(blocked)), zap.Error(err))
	metrics.PipelineTasks.WithLabelValues(string(t.Type), "failed").Inc()
	s.notify(t.RecordingID, t.Type, TaskFailed, err)
	for _, b := range blocked {
		metrics.PipelineTasks.WithLabelValues(string(b.Type), "blocked").Inc()
		s.notify(b.RecordingID, b.Type, TaskBlocked, err)
	}
	if done {
		s.finish(res)
	}
}

// retryDelay must be called with s.mu held.
func (s *Scheduler) retryDelay(t *Task) time.Duration {
	if t.retry == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.RetryBaseDelay
		b.MaxInterval = s.cfg.RetryMaxDelay
		b.MaxElapsedTime = 0
		b.Reset()
		t.retry = b
	}
	d := t.retry.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = s.cfg.RetryBaseDelay
	}
	return d
}

// blockDependents marks every transitive dependent blocked. Must be called with s.mu held.
func (s *Scheduler) blockDependents(t *Task) []*Task {
	var blocked []*Task
	stack := append([]*Task(nil), t.dependents...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.Status.terminal() {
			continue
		}
		d.Status = TaskBlocked
		s.stats.Blocked++
		blocked = append(blocked, d)
		stack = append(stack, d.dependents...)
	}
	return blocked
}

// settle accounts terminal tasks against their chain. Must be called with s.mu held.
func (s *Scheduler) settle(t *Task, blocked []*Task) (ChainResult, bool) {
	c, ok := s.chains[t.RecordingID]
	if !ok {
		return ChainResult{}, false
	}
	c.remaining -= 1 + len(blocked)
	if c.remaining > 0 {
		return ChainResult{}, false
	}
	delete(s.chains, t.RecordingID)

	res := ChainResult{RecordingID: t.RecordingID, OK: true}
	for _, ct := range c.tasks {
		switch ct.Status {
		case TaskFailed:
			res.OK = false
			res.Failed = append(res.Failed, ct.Type)
			res.LastError = ct.LastError
		case TaskBlocked:
			res.OK = false
			res.Blocked = append(res.Blocked, ct.Type)
		}
	}
	return res, true
}

func (s *Scheduler) finish(res ChainResult) {
	if res.OK {
		s.log.Info("pipeline chain finished", zap.Int64("recording_id", res.RecordingID))
	} else {
		s.log.Warn("pipeline chain finished with failures",
			zap.Int64("recording_id", res.RecordingID),
			zap.Any("failed", res.Failed),
			zap.Any("blocked", res.Blocked),
		)
	}
	if s.listener != nil {
		s.listener.ChainFinished(res)
	}
}

// readyQueue orders ready tasks by priority, then submission order.
type readyQueue []*Task

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
