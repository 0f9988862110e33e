package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/internal"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
	"neurostat/internal/testkit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	hub    *SSEHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := internal.NewLogger(internal.LogLevelError)
	kit, err := testkit.NewTestKit()
	require.NoError(t, err)

	defaults := config.EngineConfig{
		Statistic:    "f_oneway",
		Permutations: 8,
		Workers:      2,
		Seed:         3,
		Tail:         1,
		Policy:       string(cluster.PolicyAbsMax),
		MaxStep:      1,
		TPower:       1,
		PThreshold:   0.05,
		ReportAlpha:  0.05,
	}
	hub := NewSSEHub(logger)
	t.Cleanup(hub.Close)
	svc := clustertest.NewService(kit.RNGAdapter(), kit.RunRepository(), logger)
	handler := NewClusterTestHandler(svc, defaults, hub, logger)
	return &fixture{router: NewRouter(handler, hub, logger), hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reader).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func sampleRequest(t *testing.T) clustertest.Request {
	t.Helper()
	conds, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig()).Generate()
	require.NoError(t, err)
	req := clustertest.Request{
		ConditionNames: []string{"faces", "houses"},
		Adjacency:      testkit.LineAdjacency(8).NeighborLists(),
	}
	for _, c := range conds {
		req.Conditions = append(req.Conditions, c.Nested())
	}
	return req
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatistics(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/api/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Statistics []string `json:"statistics"`
		Default    string   `json:"default"`
	}](t, rec)
	assert.Contains(t, body.Statistics, "ttest_ind")
	assert.Equal(t, "f_oneway", body.Default)
}

func TestSubmitAndFetch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/cluster-tests", sampleRequest(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decode[struct {
		RunID       string `json:"run_id"`
		Significant []int  `json:"significant"`
		Result      struct {
			Completed int `json:"completed_permutations"`
		} `json:"result"`
	}](t, rec)
	require.NotEmpty(t, submitted.RunID)
	assert.NotNil(t, submitted.Significant)
	assert.Equal(t, 8, submitted.Result.Completed)

	rec = f.do(t, http.MethodGet, "/api/cluster-tests/"+submitted.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored cluster.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, core.RunID(submitted.RunID), stored.RunID)
	assert.Equal(t, 20*8, stored.Observed.Len())

	rec = f.do(t, http.MethodGet, "/api/cluster-tests?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Runs []struct {
			RunID string `json:"run_id"`
		} `json:"runs"`
	}](t, rec)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, submitted.RunID, list.Runs[0].RunID)

	formats := map[string]string{
		"":             "text/html; charset=utf-8",
		"?format=md":   "text/markdown; charset=utf-8",
		"?format=xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	for query, contentType := range formats {
		rec = f.do(t, http.MethodGet, "/api/cluster-tests/"+submitted.RunID+"/report"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, query)
		assert.Equal(t, contentType, rec.Header().Get("Content-Type"), query)
		assert.NotZero(t, rec.Body.Len(), query)
	}
}

func TestSubmit_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/cluster-tests", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode[errorBody](t, rec).Code)

	req := sampleRequest(t)
	tail := 0
	req.Options.Tail = &tail
	rec = f.do(t, http.MethodPost, "/api/cluster-tests", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[errorBody](t, rec).Code)

	req = sampleRequest(t)
	req.Adjacency = [][]int{{42}}
	rec = f.do(t, http.MethodPost, "/api/cluster-tests", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decode[errorBody](t, rec).Code)
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/cluster-tests/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/api/cluster-tests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/cluster-tests/"+uuid.NewString()+"/report?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/cluster-tests?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_StreamsProgress(t *testing.T) {
	f := newFixture(t)
	events, unsubscribe := f.hub.Subscribe("s1")
	defer unsubscribe()

	rec := f.do(t, http.MethodPost, "/api/cluster-tests?stream=s1", sampleRequest(t))
	require.Equal(t, http.StatusCreated, rec.Code)

	var seen []ProgressEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case event := <-events:
			seen = append(seen, event)
			done = event.EventType == EventCompleted
		case <-timeout:
			t.Fatalf("no completed event, got %d events", len(seen))
		}
	}

	require.Len(t, seen, 9)
	for _, event := range seen[:8] {
		assert.Equal(t, EventProgress, event.EventType)
		assert.Equal(t, "s1", event.Stream)
		assert.Equal(t, 8, event.Total)
	}
	assert.Equal(t, seen[0].RunID, seen[8].RunID)
}

func TestSSEHub_SubscribeAndObserver(t *testing.T) {
	hub := NewSSEHub(nil)
	defer hub.Close()

	events, unsubscribe := hub.Subscribe("a")
	_, other := hub.Subscribe("b")
	defer other()
	assert.Equal(t, 1, hub.ClientCount("a"))

	hub.Observer("a").PermutationProgress(core.RunID("r"), 1, 5, 10)
	select {
	case event := <-events:
		assert.Equal(t, EventProgress, event.EventType)
		assert.Equal(t, "r", event.RunID)
		assert.InDelta(t, 0.5, event.Progress, 1e-12)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.ClientCount("a"))
	_, open := <-events
	assert.False(t, open)
}

func TestSSEHub_HandleSSERequiresStream(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// streamRecorder adds the CloseNotifier that gin's Context.Stream expects
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestSSEHub_HandleSSEStopsAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events?stream=x", nil).WithContext(ctx)
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	served := make(chan struct{})
	go func() {
		f.router.ServeHTTP(rec, req)
		close(served)
	}()

	require.Eventually(t, func() bool { return f.hub.ClientCount("x") == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Broadcast(ProgressEvent{Stream: "x", EventType: EventCompleted, RunID: "r1"})

	select {
	case <-served:
	case <-ctx.Done():
		t.Fatal("stream did not end")
	}
	assert.Contains(t, rec.Body.String(), "event:completed")
	assert.Contains(t, rec.Body.String(), `"run_id":"r1"`)
	assert.Zero(t, f.hub.ClientCount("x"))
}

func TestProfile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/profile", sampleRequest(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[struct {
		Conditions []struct {
			Name   string `json:"name"`
			Trials int    `json:"trials"`
		} `json:"conditions"`
	}](t, rec)
	require.Len(t, body.Conditions, 2)
	assert.Equal(t, "faces", body.Conditions[0].Name)
	assert.Equal(t, 20, body.Conditions[0].Trials)

	rec = f.do(t, http.MethodPost, "/api/profile", map[string]interface{}{"conditions": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
