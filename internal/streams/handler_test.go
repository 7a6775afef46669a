package streams

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/recorder"
)

type memStore struct {
	streams map[int64]*models.Stream
	events  []models.StreamEvent
	ended   []int64
}

func newMemStore() *memStore {
	return &memStore{streams: map[int64]*models.Stream{}}
}

func (m *memStore) GetStreamer(_ context.Context, id int64) (*models.Streamer, error) {
	if id != 1 {
		return nil, nil
	}
	return &models.Streamer{ID: 1, Name: "alice"}, nil
}

func (m *memStore) GetStream(_ context.Context, id int64) (*models.Stream, error) {
	return m.streams[id], nil
}

func (m *memStore) CreateStream(_ context.Context, s *models.Stream) error {
	s.ID = int64(len(m.streams) + 1)
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	cp := *s
	m.streams[s.ID] = &cp
	return nil
}

func (m *memStore) End(_ context.Context, id int64) error {
	m.ended = append(m.ended, id)
	return nil
}

func (m *memStore) AddEvent(_ context.Context, ev *models.StreamEvent) error {
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) StreamEvents(context.Context, int64) ([]models.StreamEvent, error) {
	return m.events, nil
}

type stubRecorder struct {
	startErr error
	active   map[int64]int64
	stopped  []string
}

func (s *stubRecorder) StartRecording(_ context.Context, streamID, _ int64, _ recorder.StartOptions) (*models.Recording, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &models.Recording{ID: 10, StreamID: streamID}, nil
}

func (s *stubRecorder) StopRecording(_ context.Context, _ int64, reason string) error {
	s.stopped = append(s.stopped, reason)
	return nil
}

func (s *stubRecorder) ActiveRecordingForStream(streamID int64) (int64, bool) {
	id, ok := s.active[streamID]
	return id, ok
}

func router(store *memStore, rec *stubRecorder) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, rec, nil)
	r := gin.New()
	r.POST("/webhooks/stream-online", h.StreamOnline)
	r.POST("/webhooks/stream-offline", h.StreamOffline)
	r.POST("/streams/:id/events", h.AddEvent)
	r.GET("/streams/:id/events", h.ListEvents)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStreamOnlineStartsCapture(t *testing.T) {
	store := newMemStore()
	r := router(store, &stubRecorder{})

	w := post(r, "/webhooks/stream-online", `{"streamer_id":1,"title":"Speedrun","category":"Games"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.streams, 1)
	assert.Equal(t, "Speedrun", store.streams[1].Title)

	assert.Equal(t, http.StatusNotFound, post(r, "/webhooks/stream-online", `{"streamer_id":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/webhooks/stream-online", `{}`).Code)
}

func TestStreamOnlineKeepsStreamWhenCaptureRefused(t *testing.T) {
	store := newMemStore()
	r := router(store, &stubRecorder{startErr: errs.ErrRecordingDisabled})

	w := post(r, "/webhooks/stream-online", `{"streamer_id":1}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"recording_status":"disabled"`)
	assert.Len(t, store.streams, 1)
}

func TestStreamOfflineStopsActiveCapture(t *testing.T) {
	store := newMemStore()
	rec := &stubRecorder{active: map[int64]int64{4: 40}}
	r := router(store, rec)

	w := post(r, "/webhooks/stream-offline", `{"stream_id":4}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{4}, store.ended)
	assert.Equal(t, []string{"stream_offline"}, rec.stopped)

	w = post(r, "/webhooks/stream-offline", `{"stream_id":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped":false`)
	assert.Len(t, rec.stopped, 1)
}

func TestAddEventFillsUnchangedFields(t *testing.T) {
	store := newMemStore()
	store.streams[3] = &models.Stream{ID: 3, Title: "Old", Category: "Chatting"}
	r := router(store, &stubRecorder{})

	w := post(r, "/streams/3/events", `{"category":"Games"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, store.events, 1)
	assert.Equal(t, "Old", store.events[0].Title)
	assert.Equal(t, "Games", store.events[0].Category)

	assert.Equal(t, http.StatusBadRequest, post(r, "/streams/3/events", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, post(r, "/streams/9/events", `{"title":"x"}`).Code)
}
