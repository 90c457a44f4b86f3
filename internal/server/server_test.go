package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/job"
	"github.com/sells-group/maintops/internal/refresh"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeJobs struct {
	running bool
	starts  int
	state   job.State
}

func (f *fakeJobs) Start(context.Context) (job.State, bool) {
	if f.running {
		return f.state, false
	}
	f.starts++
	f.running = true
	f.state = job.State{Status: job.StatusRunning, Step: strPtr("Inicializando")}
	return f.state, true
}

func (f *fakeJobs) Status() job.State { return f.state }

func (f *fakeJobs) Reset() (job.State, error) {
	if f.running {
		return job.State{}, job.ErrRunning
	}
	f.state = job.State{Status: job.StatusIdle}
	return f.state, nil
}

type fakeHistory struct {
	entries []refresh.RunEntry
	err     error
	limit   int
}

func (f *fakeHistory) ListRecent(_ context.Context, limit int) ([]refresh.RunEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func strPtr(s string) *string { return &s }

func testConfig() Config {
	return Config{
		CORSOrigins:    []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestStart_Accepted(t *testing.T) {
	jobs := &fakeJobs{state: job.State{Status: job.StatusIdle}}
	h := New(testConfig(), jobs, nil, nil).Handler()

	rec, body := do(t, h, http.MethodPost, "/query/actualizar/iniciar")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Proceso iniciado", body["mensaje"])
	estado := body["estado"].(map[string]any)
	assert.Equal(t, "running", estado["status"])
	assert.Equal(t, "Inicializando", estado["paso"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec, body = do(t, h, http.MethodPost, "/query/actualizar/iniciar")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Proceso ya en curso", body["mensaje"])
	assert.Equal(t, 1, jobs.starts)
}

func TestStatus(t *testing.T) {
	jobs := &fakeJobs{state: job.State{Status: job.StatusIdle}}
	h := New(testConfig(), jobs, nil, nil).Handler()

	rec, body := do(t, h, http.MethodGet, "/query/actualizar/estado")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["status"])
	for _, k := range []string{"mensaje", "resultado", "ultimo_inicio", "ultimo_fin", "duracion_seg", "paso", "heartbeat", "traceback"} {
		assert.Contains(t, body, k)
		assert.Nil(t, body[k], k)
	}
	assert.Equal(t, float64(0), body["progreso"])
}

func TestReset(t *testing.T) {
	jobs := &fakeJobs{running: true, state: job.State{Status: job.StatusRunning}}
	h := New(testConfig(), jobs, nil, nil).Handler()

	rec, body := do(t, h, http.MethodPost, "/query/actualizar/reiniciar")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "No se puede reiniciar mientras hay un proceso en ejecución", body["mensaje"])
	assert.NotContains(t, body, "estado")
	assert.Equal(t, job.StatusRunning, jobs.state.Status)

	jobs.running = false
	rec, body = do(t, h, http.MethodPost, "/query/actualizar/reiniciar")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Estado reiniciado", body["mensaje"])
	assert.Equal(t, "idle", body["estado"].(map[string]any)["status"])
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{entries: []refresh.RunEntry{{ID: "run-1", Status: refresh.RunComplete}}}
	h := New(testConfig(), &fakeJobs{}, hist, nil).Handler()

	rec, body := do(t, h, http.MethodGet, "/query/actualizar/historial?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 5, hist.limit)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "run-1", data[0].(map[string]any)["id"])

	rec, _ = do(t, h, http.MethodGet, "/query/actualizar/historial?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hist.err = errors.New("relation \"refresh_log\" does not exist")
	rec, body = do(t, h, http.MethodGet, "/query/actualizar/historial")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, 20, hist.limit)
}

func TestHistory_Disabled(t *testing.T) {
	h := New(testConfig(), &fakeJobs{}, nil, nil).Handler()

	rec, body := do(t, h, http.MethodGet, "/query/actualizar/historial")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["data"])
}

func TestHealth(t *testing.T) {
	rec, body := do(t, New(testConfig(), &fakeJobs{}, nil, fakePinger{}).Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = do(t, New(testConfig(), &fakeJobs{}, nil, fakePinger{err: errors.New("dial tcp")}).Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	jobs := &fakeJobs{}
	h := New(cfg, jobs, nil, nil).Handler()

	rec, _ := do(t, h, http.MethodPost, "/query/actualizar/iniciar")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/query/actualizar/iniciar")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec, _ = do(t, h, http.MethodGet, "/query/actualizar/estado")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0
	jobs := &fakeJobs{}
	h := New(cfg, jobs, nil, nil).Handler()

	for i := 0; i < 5; i++ {
		rec, _ := do(t, h, http.MethodPost, "/query/actualizar/reiniciar")
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := New(testConfig(), &fakeJobs{}, nil, nil).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/query/actualizar/iniciar", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/query/actualizar/iniciar", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEndToEnd_WithCoordinator(t *testing.T) {
	release := make(chan struct{})
	coord := job.NewCoordinator(job.RunnerFunc(func(_ context.Context, p refresh.Progress) (*refresh.Result, error) {
		p.Report(refresh.At("Extrayendo reprogramaciones", 5))
		<-release
		return &refresh.Result{Status: "success", Message: "Ambos pipelines completados"}, nil
	}))
	h := New(testConfig(), coord, nil, nil).Handler()

	rec, _ := do(t, h, http.MethodPost, "/query/actualizar/iniciar")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/query/actualizar/reiniciar")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	coord.Wait()

	_, body := do(t, h, http.MethodGet, "/query/actualizar/estado")
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(100), body["progreso"])
	assert.Equal(t, "Finalizado", body["paso"])
	resultado := body["resultado"].(map[string]any)
	assert.Equal(t, "success", resultado["status"])
	assert.Contains(t, resultado, "reprogramaciones")
	assert.Contains(t, resultado, "compras")
}
