package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/core/controller"
	"lora-orchestrator/core/events"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/progress"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric/noop"
)

type nopQueue struct{}

func (nopQueue) Enqueue(*models.Job) {}
func (nopQueue) ActiveCount() int    { return 0 }
func (nopQueue) QueueLength() int    { return 2 }

type api struct {
	server      *httptest.Server
	store       *repository.MemoryStore
	buffer      *progress.Ring
	checkpoints *storage.CheckpointManager
}

func newAPI(t *testing.T) *api {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore()
	buffer := progress.NewRing(0)
	datasets := training.NewMemorySource()
	datasets.Put("faq", []training.Example{{"question": "q", "answer": "a"}})

	metrics, err := monitoring.NewMetricsExporter(noop.NewMeterProvider(), store)
	if err != nil {
		t.Fatal(err)
	}
	checkpoints := storage.NewCheckpointManager(&storage.LocalStore{Root: t.TempDir()}, store)
	ctrl := controller.NewJobController(store, buffer, datasets, checkpoints, nopQueue{}, events.Nop{}, metrics, logger)
	monitor := monitoring.NewJobMonitor(store, buffer, events.Nop{}, metrics, logger, func(string) bool { return true })

	r := mux.NewRouter()
	SetupRoutes(r, handlers.NewJobHandler(ctrl, monitor, logger), handlers.NewDashboardHandler(metrics, nopQueue{}, logger))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &api{server: srv, store: store, buffer: buffer, checkpoints: checkpoints}
}

func (a *api) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: bad json %q", method, path, data)
		}
	}
	return resp.StatusCode, out
}

const createBody = `{"name": "bot", "model_name": "distilgpt2", "dataset_id": "faq", "training_config": {"num_epochs": 2}}`

func TestCreateAndGetJob(t *testing.T) {
	a := newAPI(t)

	code, job := a.do(t, "POST", "/v1/jobs", createBody)
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, job)
	}
	id := job["id"].(string)
	if job["status"] != "pending" {
		t.Fatalf("unexpected status %v", job["status"])
	}
	cfg := job["config"].(map[string]any)["training_config"].(map[string]any)
	if cfg["num_epochs"].(float64) != 2 || cfg["batch_size"].(float64) != 4 {
		t.Fatalf("defaults must fill omitted fields, got %v", cfg)
	}

	code, got := a.do(t, "GET", "/v1/jobs/"+id, "")
	if code != http.StatusOK || got["id"] != id {
		t.Fatalf("get: %d %v", code, got)
	}

	code, list := a.do(t, "GET", "/v1/jobs?status=pending", "")
	if code != http.StatusOK || len(list["items"].([]any)) != 1 {
		t.Fatalf("list: %d %v", code, list)
	}
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid config", "POST", "/v1/jobs", `{"name": "x", "model_name": "m", "dataset_id": "faq", "lora_config": {"r": 0}}`, http.StatusBadRequest},
		{"malformed body", "POST", "/v1/jobs", `{"name":`, http.StatusBadRequest},
		{"unknown field", "POST", "/v1/jobs", `{"name": "x", "epochs": 3}`, http.StatusBadRequest},
		{"unknown dataset", "POST", "/v1/jobs", `{"name": "x", "model_name": "m", "dataset_id": "nope"}`, http.StatusNotFound},
		{"unknown job", "GET", "/v1/jobs/nope", "", http.StatusNotFound},
		{"unknown job progress", "GET", "/v1/jobs/nope/progress", "", http.StatusNotFound},
		{"bad limit", "GET", "/v1/jobs?limit=-1", "", http.StatusBadRequest},
		{"bad status", "GET", "/v1/jobs?status=paused", "", http.StatusBadRequest},
		{"bad spec", "POST", "/v1/jobs/spec", `{"spec_yaml": "job: ["}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := a.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Fatalf("got %d %v, want %d", code, body, tt.want)
			}
			if _, ok := body["error"]; !ok {
				t.Fatalf("missing error field in %v", body)
			}
		})
	}
}

func TestProgressCancelDelete(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()

	_, job := a.do(t, "POST", "/v1/jobs", createBody)
	id := job["id"].(string)
	if _, err := a.store.ClaimJob(ctx, id, time.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := a.buffer.Append(ctx, id, models.ProgressSample{Step: i, Loss: 1}); err != nil {
			t.Fatal(err)
		}
	}

	code, p := a.do(t, "GET", "/v1/jobs/"+id+"/progress?limit=2", "")
	if code != http.StatusOK || len(p["metrics"].([]any)) != 2 {
		t.Fatalf("progress: %d %v", code, p)
	}

	if code, body := a.do(t, "DELETE", "/v1/jobs/"+id, ""); code != http.StatusConflict {
		t.Fatalf("delete running: %d %v", code, body)
	}

	code, cancelled := a.do(t, "POST", "/v1/jobs/"+id+"/cancel", "")
	if code != http.StatusOK || cancelled["cancel_requested"] != true || cancelled["status"] != "running" {
		t.Fatalf("cancel: %d %v", code, cancelled)
	}

	if _, err := a.store.UpdateJob(ctx, id, "cancelled_by_user", func(j *models.Job) error {
		j.Status = models.JobStatusCancelled
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	code, evs := a.do(t, "GET", "/v1/jobs/"+id+"/events", "")
	if code != http.StatusOK || len(evs["items"].([]any)) != 3 {
		t.Fatalf("events: %d %v", code, evs)
	}

	if code, body := a.do(t, "DELETE", "/v1/jobs/"+id, ""); code != http.StatusNoContent {
		t.Fatalf("delete: %d %v", code, body)
	}
	if code, _ := a.do(t, "GET", "/v1/jobs/"+id, ""); code != http.StatusNotFound {
		t.Fatalf("deleted job still visible: %d", code)
	}
}

func TestSubmitSpecAndDashboard(t *testing.T) {
	a := newAPI(t)

	spec, _ := json.Marshal(map[string]string{"spec_yaml": "job:\n  name: s\n  model_name: gpt2\n  dataset_id: faq\n"})
	code, job := a.do(t, "POST", "/v1/jobs/spec", string(spec))
	if code != http.StatusCreated || job["name"] != "s" {
		t.Fatalf("spec: %d %v", code, job)
	}

	code, summary := a.do(t, "GET", "/v1/dashboard/summary", "")
	if code != http.StatusOK || summary["total"].(float64) != 1 || summary["queue_length"].(float64) != 2 {
		t.Fatalf("summary: %d %v", code, summary)
	}
	if summary["jobs"].(map[string]any)["pending"].(float64) != 1 {
		t.Fatalf("unexpected counts %v", summary["jobs"])
	}

	if code, body := a.do(t, "GET", "/health", ""); code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health: %d %v", code, body)
	}
}

func TestArtifactsReportLatestCheckpoint(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()

	_, job := a.do(t, "POST", "/v1/jobs", createBody)
	id := job["id"].(string)

	code, body := a.do(t, "GET", "/v1/jobs/"+id+"/artifacts", "")
	if _, ok := body["latest_checkpoint"]; code != http.StatusOK || ok || len(body["items"].([]any)) != 0 {
		t.Fatalf("artifacts before training: %d %v", code, body)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "adapter_model.bin"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, step := range []int{20, 10} {
		if _, err := a.checkpoints.SaveCheckpoint(ctx, id, step, dir, []string{"adapter_model.bin"}); err != nil {
			t.Fatal(err)
		}
	}

	code, body = a.do(t, "GET", "/v1/jobs/"+id+"/artifacts", "")
	latest, _ := body["latest_checkpoint"].(string)
	if code != http.StatusOK || len(body["items"].([]any)) != 2 || !strings.Contains(latest, "checkpoint-20") {
		t.Fatalf("artifacts after checkpoints: %d %v", code, body)
	}

	if code, _ := a.do(t, "GET", "/v1/jobs/missing/artifacts", ""); code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", code)
	}
}

func TestListDatasets(t *testing.T) {
	a := newAPI(t)
	code, body := a.do(t, "GET", "/v1/datasets", "")
	items, _ := body["items"].([]any)
	if code != http.StatusOK || len(items) != 1 || items[0] != "faq" {
		t.Fatalf("datasets: %d %v", code, body)
	}
}
