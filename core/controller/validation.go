package controller

import (
	"math"
	"strings"

	"lora-orchestrator/core/models"
)

// Validate checks a creation request and reports every violation at once
func Validate(req models.CreateJobRequest) error {
	v := &models.ValidationError{}

	if req.Name == "" {
		v.Add("name", "is required")
	}
	if req.ModelName == "" {
		v.Add("model_name", "is required")
	}
	if req.DatasetID == "" {
		v.Add("dataset_id", "is required")
	}

	lora := req.LoRA
	intRange(v, "lora_config.r", lora.Rank, 1, 512)
	intRange(v, "lora_config.alpha", lora.Alpha, 1, 1024)
	floatRange(v, "lora_config.dropout", lora.Dropout, 0, 1)
	if len(lora.TargetModules) == 0 {
		v.Add("lora_config.target_modules", "at least one module is required")
	}
	for _, m := range lora.TargetModules {
		if strings.TrimSpace(m) == "" {
			v.Add("lora_config.target_modules", "module names must not be empty")
			break
		}
	}

	tr := req.Training
	if !finite(tr.LearningRate) || tr.LearningRate <= 0 {
		v.Add("training_config.learning_rate", "must be greater than 0, got %g", tr.LearningRate)
	}
	intRange(v, "training_config.num_epochs", tr.NumEpochs, 1, 100)
	intRange(v, "training_config.batch_size", tr.BatchSize, 1, 128)
	intRange(v, "training_config.max_length", tr.MaxLength, 64, 4096)
	if tr.GradientAccumulationSteps < 1 {
		v.Add("training_config.gradient_accumulation_steps", "must be at least 1, got %d", tr.GradientAccumulationSteps)
	}
	floatRange(v, "training_config.warmup_ratio", tr.WarmupRatio, 0, 1)
	floatRange(v, "training_config.weight_decay", tr.WeightDecay, 0, 1)
	if tr.LoggingSteps < 1 {
		v.Add("training_config.logging_steps", "must be at least 1, got %d", tr.LoggingSteps)
	}
	if tr.SaveSteps < 1 {
		v.Add("training_config.save_steps", "must be at least 1, got %d", tr.SaveSteps)
	}

	return v.OrNil()
}

func intRange(v *models.ValidationError, field string, value, lo, hi int) {
	if value < lo || value > hi {
		v.Add(field, "must be between %d and %d, got %d", lo, hi, value)
	}
}

func floatRange(v *models.ValidationError, field string, value, lo, hi float64) {
	if !finite(value) || value < lo || value > hi {
		v.Add(field, "must be between %g and %g, got %g", lo, hi, value)
	}
}

// finite rejects NaN and ±Inf, which compare false against every bound
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
