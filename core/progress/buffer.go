package progress

import (
	"context"
	"errors"

	"lora-orchestrator/core/models"
)

// DefaultCapacity is how many recent samples are kept per job
const DefaultCapacity = 100

var (
	// ErrOutOfOrder is returned when a sample's step is lower than the last one
	ErrOutOfOrder = errors.New("progress: step out of order")
	// ErrDuplicateStep is returned when a step repeats with a different loss
	ErrDuplicateStep = errors.New("progress: step already recorded with a different loss")
	// ErrSealed is returned when appending to a finished run
	ErrSealed = errors.New("progress: run is sealed")
)

// Buffer keeps the recent metric samples of each job's current run.
//
// Samples of one run are strictly ordered by step. A run starts with Reset
// and becomes immutable after Seal.
type Buffer interface {
	Reset(ctx context.Context, jobID string) error
	Append(ctx context.Context, jobID string, sample models.ProgressSample) error
	// Recent returns up to n of the newest samples in step order; n <= 0 returns all kept samples.
	Recent(ctx context.Context, jobID string, n int) ([]models.ProgressSample, error)
	Seal(ctx context.Context, jobID string) error
	Drop(ctx context.Context, jobID string) error
}

// checkStep applies the ordering rules shared by every Buffer. It returns
// skip=true for an exact replay of the last sample.
func checkStep(hasLast bool, lastStep int, lastLoss float64, sample models.ProgressSample) (skip bool, err error) {
	if !hasLast {
		return false, nil
	}
	switch {
	case sample.Step < lastStep:
		return false, ErrOutOfOrder
	case sample.Step == lastStep && sample.Loss == lastLoss:
		return true, nil
	case sample.Step == lastStep:
		return false, ErrDuplicateStep
	}
	return false, nil
}
