package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/scry-tasks/internal/api"
	"github.com/phrazzld/scry-tasks/internal/broker"
	"github.com/phrazzld/scry-tasks/internal/config"
	"github.com/phrazzld/scry-tasks/internal/mocks"
	"github.com/phrazzld/scry-tasks/internal/platform/logger"
	"github.com/phrazzld/scry-tasks/internal/platform/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, LogLevel: "debug", LogFormat: "json"},
		Broker: config.BrokerConfig{Driver: driver, Queue: "task_queue", MaxPriority: 10},
		Worker: config.WorkerConfig{Concurrency: 2, PrefetchCount: 2},
		Pagination: config.PaginationConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
	}
}

func newTestApplication(t *testing.T, cfg *config.Config, tr *transport.Transport) *application {
	t.Helper()

	txdb := mocks.NewTxDB()
	t.Cleanup(func() { _ = txdb.DB.Close() })
	log, _ := logger.NewTestLogger()

	app, err := newApplication(cfg, log, mocks.NewMemoryTaskStore(txdb.DB), tr)
	require.NoError(t, err)
	return app
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	app := newTestApplication(t, testConfig("amqp"), &transport.Transport{Publisher: broker.NullPublisher{}})

	rec := doRequest(t, app.setupRouter(), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestApplication_BrokerUnavailable(t *testing.T) {
	cfg := testConfig("amqp")
	cfg.Worker.Embedded = true
	app := newTestApplication(t, cfg, &transport.Transport{Publisher: broker.NullPublisher{}})
	router := app.setupRouter()

	assert.Nil(t, app.workerPool, "no source means no embedded worker")

	rec := doRequest(t, router, http.MethodPost, "/api/v1/tasks", `{"title":"t"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page api.TaskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Total, "the rejected task was not stored")
}

func TestApplication_MemoryDriverRunsEmbeddedWorker(t *testing.T) {
	log, _ := logger.NewTestLogger()
	cfg := testConfig(transport.DriverMemory)
	tr, err := transport.Open(context.Background(), cfg.Broker, cfg.Worker.PrefetchCount, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	app := newTestApplication(t, cfg, tr)
	require.NotNil(t, app.workerPool)

	router := app.setupRouter()
	rec := doRequest(t, router, http.MethodPost, "/api/v1/tasks", `{"title":"embedded","priority":"HIGH"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created api.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "PENDING", created.Status)

	// The message waits in the queue until the pool starts.
	require.NoError(t, app.workerPool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		app.cleanup(ctx)
	})

	assert.Eventually(t, func() bool {
		rec := doRequest(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/status", "")
		var status api.TaskStatusResponse
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &status) == nil &&
			status.Status == "COMPLETED"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartHTTPServer_StopsWhenContextDone(t *testing.T) {
	app := newTestApplication(t, testConfig("amqp"), &transport.Transport{Publisher: broker.NullPublisher{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("server did not shut down")
	}
}
