package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/parzen/internal/config"
	"github.com/copyleftdev/parzen/internal/logging"
	"github.com/copyleftdev/parzen/internal/objectives"
	"github.com/copyleftdev/parzen/internal/optimization/space"
	"github.com/copyleftdev/parzen/internal/optimization/trials"
)

func init() {
	objectives.Register(objectives.Definition{
		Name:        "test-blocking",
		Description: "blocks until its context is cancelled",
		Space: func() *space.Space {
			return space.MustNew(space.Param{Name: "x", Dist: space.Uniform{Low: 0, High: 1}})
		},
		Objective: func(ctx context.Context, cfg space.Configuration) (float64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	})
}

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	cfg.Optimizer.MaxEvals = 30
	cfg.Optimizer.NInitialRandom = 10
	cfg.Optimizer.Gamma = 0.15
	cfg.Optimizer.NCandidates = 24
	cfg.Optimizer.Seed = 1
	cfg.Optimizer.GridResolution = 4

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "warn",
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	srv := NewServer(testConfig(t), testLogger(t))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() { srv.Close() })
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func startStudy(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rr, out := do(t, h, http.MethodPost, "/api/v1/studies", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id, _ := out["study_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func waitForStatus(t *testing.T, h http.Handler, id string, want Status) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		_, last = do(t, h, http.MethodGet, "/api/v1/studies/"+id, "")
		return last["status"] == string(want)
	}, 10*time.Second, 5*time.Millisecond, "study never reached %s", want)
	return last
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/studies", true},
		{"GET", "/api/v1/studies", true},
		{"GET", "/api/v1/studies/123", true},
		{"GET", "/api/v1/studies/123/trials", true},
		{"DELETE", "/api/v1/studies/123", true},
		{"GET", "/api/v1/objectives", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false},
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			// A route that exists may still answer 404 for an unknown study,
			// but then the body carries an error object.
			routed := rr.Code != http.StatusNotFound || strings.Contains(rr.Body.String(), "study not found")
			assert.Equal(t, tt.shouldExist, routed, "route %s %s", tt.method, tt.path)
		})
	}
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestStudyCompletes(t *testing.T) {
	_, h := newTestServer(t)

	id := startStudy(t, h, `{"name": "q", "objective": "quadratic", "max_evals": 30, "seed": 5}`)
	status := waitForStatus(t, h, id, StatusCompleted)

	assert.Equal(t, float64(30), status["trials_done"])
	assert.Equal(t, float64(1), status["progress"])
	best, ok := status["best"].(map[string]interface{})
	require.True(t, ok, "completed study should report a best trial")
	assert.Less(t, best["loss"].(float64), 0.5)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies/"+id+"/trials", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 30)
	for i, tr := range history {
		assert.Equal(t, float64(i), tr["id"])
		assert.Equal(t, "ok", tr["status"])
	}

	rr, _ = do(t, h, http.MethodDelete, "/api/v1/studies/"+id, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateStudyErrors(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"objective": `},
		{"unknown objective", `{"objective": "nope"}`},
		{"unknown field", `{"objective": "quadratic", "budget": 3}`},
		{"bad space", `{"objective": "quadratic", "space": [{"name": "x", "type": "uniform", "low": 1, "high": 0}]}`},
		{"bad gamma", `{"objective": "quadratic", "gamma": 2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := do(t, h, http.MethodPost, "/api/v1/studies", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestUnknownStudy(t *testing.T) {
	_, h := newTestServer(t)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/studies/missing"},
		{http.MethodGet, "/api/v1/studies/missing/trials"},
		{http.MethodDelete, "/api/v1/studies/missing"},
	} {
		rr, out := do(t, h, tt.method, tt.path, "")
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tt.method, tt.path)
		assert.Contains(t, out["error"], "study not found")
	}
}

func TestCancelStudy(t *testing.T) {
	srv, h := newTestServer(t)

	id := startStudy(t, h, `{"objective": "test-blocking", "max_evals": 5}`)
	waitForStatus(t, h, id, StatusRunning)

	rr, _ := do(t, h, http.MethodDelete, "/api/v1/studies/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)

	status := waitForStatus(t, h, id, StatusCancelled)
	assert.Nil(t, status["best"])

	require.Eventually(t, func() bool {
		_, out := do(t, h, http.MethodGet, "/api/v1/studies/"+id, "")
		return out["end_time"] != nil
	}, 5*time.Second, 5*time.Millisecond)

	rr, _ = do(t, h, http.MethodDelete, "/api/v1/studies/"+id, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	assert.NoError(t, srv.Close())
}

func TestFailingStudy(t *testing.T) {
	_, h := newTestServer(t)

	id := startStudy(t, h, `{"objective": "failing", "max_evals": 5}`)
	status := waitForStatus(t, h, id, StatusFailed)
	assert.Contains(t, status["error"], "no successful trials")
	assert.Nil(t, status["best"])
}

func TestCloseCancelsRunningStudies(t *testing.T) {
	srv, h := newTestServer(t)

	id := startStudy(t, h, `{"objective": "test-blocking", "max_evals": 5}`)
	waitForStatus(t, h, id, StatusRunning)

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	_, out := do(t, h, http.MethodGet, "/api/v1/studies/"+id, "")
	assert.Equal(t, string(StatusCancelled), out["status"])
}

func TestListStudiesAndObjectives(t *testing.T) {
	_, h := newTestServer(t)

	id := startStudy(t, h, `{"objective": "branin", "algorithm": "random", "max_evals": 10}`)
	waitForStatus(t, h, id, StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["study_id"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/objectives", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var objs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &objs))
	names := []string{}
	for _, o := range objs {
		names = append(names, o["name"].(string))
	}
	assert.Contains(t, names, "quadratic")
	assert.Contains(t, names, "classifier")
}

func TestMetrics(t *testing.T) {
	srv, h := newTestServer(t)

	id := startStudy(t, h, `{"objective": "quadratic", "max_evals": 12}`)
	waitForStatus(t, h, id, StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `parzen_trials_total{objective="quadratic",status="ok"} 12`)
	assert.NotContains(t, body, `parzen_study_best_loss{study="`+id+`"}`)
	assert.Contains(t, body, "parzen_active_studies 0")
	assert.Contains(t, body, "parzen_trial_duration_seconds_count")
	assert.Equal(t, 0, bestLossSeries(t, srv))
}

func bestLossSeries(t *testing.T, srv *Server) int {
	t.Helper()
	families, err := srv.metrics.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "parzen_study_best_loss" {
			return len(f.GetMetric())
		}
	}
	return 0
}

func TestBestLossSeriesTracksRunningStudiesOnly(t *testing.T) {
	srv, h := newTestServer(t)

	for i := 0; i < 3; i++ {
		id := startStudy(t, h, `{"objective": "quadratic", "max_evals": 5}`)
		waitForStatus(t, h, id, StatusCompleted)
	}
	assert.Equal(t, 0, bestLossSeries(t, srv))

	srv.metrics.observeTrial("quadratic", "live", trials.Trial{Status: trials.StatusOK, Loss: 2}, trials.Trial{Loss: 2}, true)
	assert.Equal(t, 1, bestLossSeries(t, srv))
	srv.metrics.forgetStudy("live")
	assert.Equal(t, 0, bestLossSeries(t, srv))
}

func rpc(t *testing.T, h http.Handler, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func rpcErrorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected an error response, got %v", resp)
	return errObj["code"].(float64)
}

func TestJSONRPC(t *testing.T) {
	_, h := newTestServer(t)

	t.Run("parse error", func(t *testing.T) {
		assert.Equal(t, float64(-32700), rpcErrorCode(t, rpc(t, h, `{`)))
	})
	t.Run("invalid request", func(t *testing.T) {
		assert.Equal(t, float64(-32600), rpcErrorCode(t, rpc(t, h, `{"jsonrpc": "1.0", "id": 1, "method": "study.status"}`)))
	})
	t.Run("method not found", func(t *testing.T) {
		resp := rpc(t, h, `{"jsonrpc": "2.0", "id": 2, "method": "study.explode"}`)
		assert.Equal(t, float64(-32601), rpcErrorCode(t, resp))
		assert.Equal(t, float64(2), resp["id"])
	})
	t.Run("invalid params", func(t *testing.T) {
		assert.Equal(t, float64(-32602), rpcErrorCode(t, rpc(t, h, `{"jsonrpc": "2.0", "id": 3, "method": "study.status"}`)))
		assert.Equal(t, float64(-32602), rpcErrorCode(t, rpc(t, h, `{"jsonrpc": "2.0", "id": 3, "method": "study.start", "params": {"objective": "nope"}}`)))
	})
	t.Run("unknown study", func(t *testing.T) {
		resp := rpc(t, h, `{"jsonrpc": "2.0", "id": 4, "method": "study.cancel", "params": [{"study_id": "missing"}]}`)
		assert.Equal(t, float64(-32000), rpcErrorCode(t, resp))
	})

	t.Run("start and poll", func(t *testing.T) {
		resp := rpc(t, h, `{"jsonrpc": "2.0", "id": "a", "method": "study.start",
			"params": [{"objective": "quadratic", "algorithm": "grid", "grid_resolution": 5, "max_evals": 20}]}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		id := result["study_id"].(string)
		assert.Equal(t, "pending", result["status"])

		var status map[string]interface{}
		require.Eventually(t, func() bool {
			resp := rpc(t, h, `{"jsonrpc": "2.0", "id": "b", "method": "study.status", "params": {"study_id": "`+id+`"}}`)
			status, _ = resp["result"].(map[string]interface{})
			return status != nil && status["status"] == "completed"
		}, 10*time.Second, 5*time.Millisecond)

		// Five grid points over [-3, 3] include x = 0 and x = 1.5.
		assert.Equal(t, true, status["exhausted"])
		assert.Equal(t, float64(5), status["trials_done"])
		best := status["best"].(map[string]interface{})
		assert.InDelta(t, 0.25, best["loss"].(float64), 1e-9)

		resp = rpc(t, h, `{"jsonrpc": "2.0", "id": "c", "method": "study.trials", "params": {"study_id": "`+id+`"}}`)
		assert.Len(t, resp["result"], 5)
	})
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
		expectCode int
	}{
		{
			name:       "valid error response",
			code:       http.StatusBadRequest,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
			expectCode: http.StatusOK, // Because respondWithError writes 200 with error in body
		},
		{
			name:       "nil id",
			code:       http.StatusInternalServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
			expectCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, tt.expectCode, rr.Code, "status code should match")

			var response map[string]interface{}
			err := json.NewDecoder(rr.Body).Decode(&response)
			assert.NoError(t, err, "should decode response body")

			errObj, ok := response["error"].(map[string]interface{})
			assert.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"], "error code should match")
			assert.Equal(t, tt.message, errObj["message"], "error message should match")
			assert.Nil(t, errObj["data"])

			assert.Equal(t, tt.expectedID, response["id"], "response ID should match")
		})
	}
}
