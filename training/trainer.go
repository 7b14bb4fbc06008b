package training

import (
	"context"
	"errors"

	"lora-orchestrator/core/models"
)

// ErrCancelled is returned by a Trainer that stopped because the cancellation
// predicate reported true
var ErrCancelled = errors.New("training cancelled")

// Request is everything a Trainer needs to run one job
type Request struct {
	JobID      string
	ModelName  string
	Config     models.JobConfig
	Texts      []string // formatted training corpus
	TotalSteps int
	OutputDir  string // where the adapter files must be written
}

// Reporter receives what a Trainer observes while it runs.
// Stage carries transient narration such as "loading model"; an empty text
// clears it. Recoverable problems inside the trainer are reported the same way.
// Checkpoint hands over an intermediate save; storing it is best effort.
type Reporter interface {
	Stage(text string)
	Sample(sample models.ProgressSample) error
	Checkpoint(step int, dir string, files []string)
}

// Result describes a finished training run
type Result struct {
	ArtifactDir string
	Files       []string // file names relative to ArtifactDir
}

// Trainer performs the actual fine-tuning computation.
//
// Implementations must call cancelled between steps and return ErrCancelled
// once it reports true. Any other returned error is treated as fatal.
type Trainer interface {
	Train(ctx context.Context, req Request, report Reporter, cancelled func() bool) (*Result, error)
}

// Stage texts reported while a run is being prepared
const (
	StageDownloadingModel = "downloading model"
	StageLoadingModel     = "loading model"
	StageApplyingLoRA     = "applying LoRA configuration"
	StagePreparingDataset = "preparing dataset"
)

// TotalSteps returns the number of optimizer steps a run will take
func TotalSteps(examples int, cfg models.TrainingConfig) int {
	batch := max(cfg.BatchSize, 1)
	accum := max(cfg.GradientAccumulationSteps, 1)
	batches := (examples + batch - 1) / batch
	perEpoch := max(batches/accum, 1)
	return perEpoch * max(cfg.NumEpochs, 1)
}
