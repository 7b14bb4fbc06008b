package spec

import (
	"strings"
	"testing"
)

func TestParseJobSpec(t *testing.T) {
	req, err := ParseJobSpec(`
job:
  name: " support-bot "
  model_name: gpt2
  dataset_id: faq
  lora:
    r: 16
    target_modules: [c_attn]
  training:
    num_epochs: 2
    learning_rate: 0.0001
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Name != "support-bot" || req.ModelName != "gpt2" || req.DatasetID != "faq" {
		t.Fatalf("unexpected identity %+v", req)
	}
	if req.LoRA.Rank != 16 || req.LoRA.Alpha != 16 || len(req.LoRA.TargetModules) != 1 {
		t.Fatalf("unexpected lora config %+v", req.LoRA)
	}
	if req.Training.NumEpochs != 2 || req.Training.LearningRate != 0.0001 || req.Training.BatchSize != 4 {
		t.Fatalf("unexpected training config %+v", req.Training)
	}
}

func TestParseJobSpecDefaults(t *testing.T) {
	req, err := ParseJobSpec("job:\n  name: a\n  model_name: m\n  dataset_id: d\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Training.NumEpochs != 3 || req.LoRA.Rank != 8 || req.LoRA.TargetModules != nil {
		t.Fatalf("defaults not applied: %+v", req.JobConfig)
	}
}

func TestParseJobSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "  \n", "empty job spec"},
		{"unknown key", "job:\n  name: a\n  epochs: 3\n", "field epochs not found"},
		{"bad type", "job:\n  lora:\n    r: lots\n", "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobSpec(tt.yaml)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
