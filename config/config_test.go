package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lora.yaml")
	yaml := `
server:
  port: "9000"
progress:
  backend: redis
  capacity: 50
scheduler:
  tick: 2s
trainer:
  kind: command
  command: [python, train_lora.py]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LORA_CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("SCHEDULER_CONCURRENCY", "3")
	t.Setenv("TRAINER_STEP_DELAY", "10ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("env must override the file, port = %s", cfg.Server.Port)
	}
	if cfg.Progress.Backend != "redis" || cfg.Progress.Capacity != 50 {
		t.Errorf("unexpected progress config %+v", cfg.Progress)
	}
	if cfg.Scheduler.Tick != 2*time.Second || cfg.Scheduler.Concurrency != 3 {
		t.Errorf("unexpected scheduler config %+v", cfg.Scheduler)
	}
	if strings.Join(cfg.Trainer.Command, " ") != "python train_lora.py" || cfg.Trainer.StepDelay != 10*time.Millisecond {
		t.Errorf("unexpected trainer config %+v", cfg.Trainer)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("defaults must survive, driver = %s", cfg.Database.Driver)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("SCHEDULER_CONCURRENCY", "many")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SCHEDULER_CONCURRENCY") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}

	cfg.Database.Driver = "mysql"
	cfg.Artifacts.Backend = "minio"
	cfg.Trainer.Kind = "command"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"database.driver", "artifacts.bucket", "artifacts.endpoint", "trainer.command"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}
