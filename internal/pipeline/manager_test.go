package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	chains chan events.Event
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{chains: make(chan events.Event, 16)}
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	if e.Type == events.PipelineCompleted || e.Type == events.PipelineFailed {
		p.chains <- e
	}
	return nil
}

func (p *capturePublisher) waitChain(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-p.chains:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for chain event")
		return events.Event{}
	}
}

func newTestManager(t *testing.T, log *execLog, fail map[TaskType]bool) (*Manager, *memSteps, *capturePublisher) {
	t.Helper()
	steps := newMemSteps()
	s, _ := newTestScheduler(t, 2, steps, recordingHandler(log, false, fail))
	pub := newCapturePublisher()
	m := NewManager(s, NewFactory(FactoryConfig{MaxRetries: 0, CleanupRaw: true}), steps, pub, nil)
	serve(t, s)
	return m, steps, pub
}

func info(id int64) RecordingInfo {
	return RecordingInfo{RecordingID: id, StreamID: 1, StreamerName: "s", Title: "t", StartedAt: time.Now(), RawPath: "/tmp/x.ts"}
}

func TestEnqueueFreshCreatesStateAndRunsCanonical(t *testing.T) {
	log := &execLog{}
	m, steps, pub := newTestManager(t, log, nil)

	ok, err := m.Enqueue(context.Background(), info(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.PipelineCompleted, pub.waitChain(t).Type)

	st, err := steps.GetState(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, st.Finished())
	assert.Len(t, st.TaskIDs, 5)
	for _, tt := range []TaskType{TaskMetadata, TaskChapters, TaskRemux, TaskThumbnail, TaskCleanup} {
		assert.Equal(t, 1, log.count(tt))
	}
}

func TestEnqueueFinishedIsNoop(t *testing.T) {
	log := &execLog{}
	m, steps, _ := newTestManager(t, log, nil)
	st := models.NewProcessingState(2)
	for _, step := range models.AllSteps {
		st.Steps[step] = models.StepCompleted
	}
	steps.states[2] = st

	ok, err := m.Enqueue(context.Background(), info(2))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, log.count(TaskMetadata))
}

func TestRepairReusesCompletedSteps(t *testing.T) {
	log := &execLog{}
	m, steps, pub := newTestManager(t, log, map[TaskType]bool{TaskRemux: true})

	_, err := m.Enqueue(context.Background(), info(3))
	require.NoError(t, err)
	assert.Equal(t, events.PipelineFailed, pub.waitChain(t).Type)
	assert.Equal(t, 1, log.count(TaskMetadata))
	assert.Equal(t, 1, log.count(TaskChapters))

	st, err := steps.GetState(context.Background(), 3)
	require.NoError(t, err)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, models.StepFailed, st.Status(models.StepMP4Remux))

	repair := NewFactory(FactoryConfig{}).BuildRepair(info(3), st)
	types := make([]TaskType, 0, len(repair))
	for _, task := range repair {
		types = append(types, task.Type)
	}
	assert.Equal(t, []TaskType{TaskRemux, TaskThumbnail, TaskCleanup}, types)
	assert.Empty(t, repair[0].Deps, "deps on completed producers are dropped")

	fixedLog := &execLog{}
	s2, _ := newTestScheduler(t, 2, steps, recordingHandler(fixedLog, false, nil))
	m2 := NewManager(s2, NewFactory(FactoryConfig{}), steps, pub, nil)
	serve(t, s2)

	ok, err := m2.Enqueue(context.Background(), info(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.PipelineCompleted, pub.waitChain(t).Type)

	assert.Equal(t, 0, fixedLog.count(TaskMetadata), "metadata not re-run")
	assert.Equal(t, 0, fixedLog.count(TaskChapters), "chapters not re-run")
	assert.Equal(t, 1, fixedLog.count(TaskRemux))
	st, _ = steps.GetState(context.Background(), 3)
	assert.True(t, st.Finished())
}

func TestEnqueueWhileChainActiveIsRejected(t *testing.T) {
	steps := newMemSteps()
	release := make(chan struct{})
	s := NewScheduler(SchedulerConfig{Workers: 1, RetryBaseDelay: time.Millisecond}, steps, nil)
	block := HandlerFunc(func(context.Context, *Task) error { <-release; return nil })
	for _, tt := range []TaskType{TaskMetadata, TaskChapters, TaskRemux, TaskThumbnail, TaskCleanup} {
		s.Handle(tt, block)
	}
	pub := newCapturePublisher()
	m := NewManager(s, NewFactory(FactoryConfig{}), steps, pub, nil)
	serve(t, s)
	defer close(release)

	ok, err := m.Enqueue(context.Background(), info(4))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Enqueue(context.Background(), info(4))
	assert.ErrorIs(t, err, errs.ErrDuplicateChain)
	assert.False(t, ok)
}

type infoMap map[int64]*RecordingInfo

func (m infoMap) PipelineInfo(_ context.Context, id int64) (*RecordingInfo, error) {
	return m[id], nil
}

func TestResumeEnqueuesUnfinished(t *testing.T) {
	log := &execLog{}
	m, steps, pub := newTestManager(t, log, nil)
	partial := models.NewProcessingState(5)
	partial.Steps[models.StepMetadata] = models.StepCompleted
	steps.states[5] = partial
	steps.states[6] = models.NewProcessingState(6)

	i5 := info(5)
	n, err := m.Resume(context.Background(), infoMap{5: &i5})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "recording without info is skipped")
	pub.waitChain(t)
	assert.Equal(t, 0, log.count(TaskMetadata))
	assert.Equal(t, 1, log.count(TaskChapters))
}

func TestResumeSkipsAbandonedChains(t *testing.T) {
	log := &execLog{}
	m, steps, pub := newTestManager(t, log, map[TaskType]bool{TaskRemux: true})

	_, err := m.Enqueue(context.Background(), info(7))
	require.NoError(t, err)
	assert.Equal(t, events.PipelineFailed, pub.waitChain(t).Type)
	st, err := steps.GetState(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, st.Abandoned)

	i7 := info(7)
	n, err := m.Resume(context.Background(), infoMap{7: &i7})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, log.count(TaskRemux), "failed chain not resubmitted on restart")

	ok, err := m.Enqueue(context.Background(), i7)
	require.NoError(t, err)
	assert.True(t, ok, "an explicit enqueue still repairs an abandoned chain")
	pub.waitChain(t)
	assert.Equal(t, 2, log.count(TaskRemux))
}
