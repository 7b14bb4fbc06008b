package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"lora-orchestrator/core/models"
)

// SimTrainer is a deterministic stand-in for a real fine-tuning run.
// It walks the planned steps, emits a decaying loss curve and writes a
// minimal adapter into the output directory.
type SimTrainer struct {
	StepDelay time.Duration // pause per optimizer step
	LoadDelay time.Duration // pause per preparation stage
	FailAt    int           // fail when reaching this step; 0 disables
	Now       func() time.Time
}

func (s *SimTrainer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SimTrainer) Train(ctx context.Context, req Request, report Reporter, cancelled func() bool) (*Result, error) {
	for _, stage := range []string{StageDownloadingModel, StageLoadingModel, StageApplyingLoRA, StagePreparingDataset} {
		if cancelled() {
			return nil, ErrCancelled
		}
		report.Stage(stage)
		if err := sleep(ctx, s.LoadDelay); err != nil {
			return nil, err
		}
	}
	report.Stage("")

	total := max(req.TotalSteps, 1)
	epochs := max(req.Config.Training.NumEpochs, 1)
	perEpoch := float64(total) / float64(epochs)
	lr := req.Config.Training.LearningRate
	warmup := int(math.Ceil(float64(total) * req.Config.Training.WarmupRatio))
	logEvery := max(req.Config.Training.LoggingSteps, 1)

	for step := 1; step <= total; step++ {
		if cancelled() {
			return nil, ErrCancelled
		}
		if err := sleep(ctx, s.StepDelay); err != nil {
			return nil, err
		}
		if s.FailAt > 0 && step >= s.FailAt {
			return nil, fmt.Errorf("simulated failure at step %d", step)
		}

		// samples follow the logging cadence; the last step is always logged
		if step%logEvery == 0 || step == total {
			sample := models.ProgressSample{
				Step:         step,
				Epoch:        float64(step) / perEpoch,
				Loss:         2.5 / (1 + 0.1*float64(step)),
				LearningRate: scheduledLR(lr, step, warmup, total),
				Timestamp:    s.now(),
			}
			if err := report.Sample(sample); err != nil {
				return nil, err
			}
		}

		if save := req.Config.Training.SaveSteps; save > 0 && step%save == 0 && step < total {
			dir := filepath.Join(req.OutputDir, fmt.Sprintf("checkpoint-%d", step))
			files, err := writeAdapter(dir, req)
			if err != nil {
				return nil, err
			}
			report.Checkpoint(step, dir, files)
		}
	}

	files, err := writeAdapter(req.OutputDir, req)
	if err != nil {
		return nil, err
	}
	return &Result{ArtifactDir: req.OutputDir, Files: files}, nil
}

// scheduledLR is a linear warmup followed by linear decay
func scheduledLR(base float64, step, warmup, total int) float64 {
	if warmup > 0 && step <= warmup {
		return base * float64(step) / float64(warmup)
	}
	if total <= warmup {
		return base
	}
	return base * float64(total-step) / float64(total-warmup)
}

func writeAdapter(dir string, req Request) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("no output directory for job %s", req.JobID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	adapterConfig := map[string]any{
		"base_model_name_or_path": req.ModelName,
		"peft_type":               "LORA",
		"task_type":               "CAUSAL_LM",
		"r":                       req.Config.LoRA.Rank,
		"lora_alpha":              req.Config.LoRA.Alpha,
		"lora_dropout":            req.Config.LoRA.Dropout,
		"target_modules":          req.Config.LoRA.TargetModules,
	}
	data, err := json.MarshalIndent(adapterConfig, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter_config.json"), data, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter_model.bin"), []byte("simulated"), 0o644); err != nil {
		return nil, err
	}
	return []string{"adapter_config.json", "adapter_model.bin"}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
