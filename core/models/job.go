package models

import "time"

// Job represents a LoRA fine-tuning run submitted to the platform
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ModelName string    `json:"model_name"` // Base model name, e.g. "gemma2:2b"
	DatasetID string    `json:"dataset_id"`
	Status    JobStatus `json:"status"`
	Config    JobConfig `json:"config"` // Snapshot captured at creation, never mutated

	Progress     float64  `json:"progress"` // 0 - 100
	CurrentEpoch int      `json:"current_epoch"`
	TotalEpochs  int      `json:"total_epochs"`
	CurrentStep  int      `json:"current_step"`
	TotalSteps   int      `json:"total_steps"`
	Loss         *float64 `json:"loss,omitempty"`
	BestLoss     *float64 `json:"best_loss,omitempty"`

	// Stage is transient narration while running ("loading model").
	// It is cleared on any terminal transition.
	Stage string `json:"stage,omitempty"`
	// FailureReason is set only when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
	// CancelRequested is raised by the controller and observed by the worker.
	CancelRequested bool   `json:"cancel_requested"`
	ModelPath       string `json:"model_path,omitempty"` // Final adapter location

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

// JobConfig is the immutable hyperparameter snapshot of a job
type JobConfig struct {
	LoRA     LoRAConfig     `json:"lora_config" yaml:"lora"`
	Training TrainingConfig `json:"training_config" yaml:"training"`
}

// LoRAConfig specifies the adapter shape
type LoRAConfig struct {
	Rank          int      `json:"r" yaml:"r"`
	Alpha         int      `json:"alpha" yaml:"alpha"`
	Dropout       float64  `json:"dropout" yaml:"dropout"`
	TargetModules []string `json:"target_modules" yaml:"target_modules"`
}

// TrainingConfig specifies optimizer and schedule settings
type TrainingConfig struct {
	LearningRate              float64 `json:"learning_rate" yaml:"learning_rate"`
	NumEpochs                 int     `json:"num_epochs" yaml:"num_epochs"`
	BatchSize                 int     `json:"batch_size" yaml:"batch_size"`
	MaxLength                 int     `json:"max_length" yaml:"max_length"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	WarmupRatio               float64 `json:"warmup_ratio" yaml:"warmup_ratio"`
	WeightDecay               float64 `json:"weight_decay" yaml:"weight_decay"`
	LoggingSteps              int     `json:"logging_steps" yaml:"logging_steps"`
	SaveSteps                 int     `json:"save_steps" yaml:"save_steps"`
}

// DefaultJobConfig returns the defaults used when a request omits a field
func DefaultJobConfig() JobConfig {
	return JobConfig{
		LoRA: LoRAConfig{
			Rank:          8,
			Alpha:         16,
			Dropout:       0.1,
			TargetModules: []string{"q_proj", "v_proj"},
		},
		Training: TrainingConfig{
			LearningRate:              2e-4,
			NumEpochs:                 3,
			BatchSize:                 4,
			MaxLength:                 512,
			GradientAccumulationSteps: 1,
			WarmupRatio:               0.1,
			WeightDecay:               0.01,
			LoggingSteps:              10,
			SaveSteps:                 500,
		},
	}
}

// Clone returns a deep copy so callers never share mutable state with a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Config.LoRA.TargetModules = append([]string(nil), j.Config.LoRA.TargetModules...)
	c.Loss = cloneFloat(j.Loss)
	c.BestLoss = cloneFloat(j.BestLoss)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// ProgressSample is one reported training metric point
type ProgressSample struct {
	Step         int       `json:"step"`
	Epoch        float64   `json:"epoch"`
	Loss         float64   `json:"loss"`
	LearningRate float64   `json:"learning_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobProgress is the progress view of a job: its current fields plus recent samples
type JobProgress struct {
	JobID        string           `json:"job_id"`
	Status       JobStatus        `json:"status"`
	Progress     float64          `json:"progress"`
	CurrentEpoch int              `json:"current_epoch"`
	TotalEpochs  int              `json:"total_epochs"`
	CurrentStep  int              `json:"current_step"`
	TotalSteps   int              `json:"total_steps"`
	Loss         *float64         `json:"loss,omitempty"`
	Stage        string           `json:"stage,omitempty"`
	Metrics      []ProgressSample `json:"metrics"`
}

// ListFilter narrows a job listing
type ListFilter struct {
	Status *JobStatus
	Limit  int // 0 means no limit
}

// CreateJobRequest is the input of job creation. The hyperparameters are
// flattened into the request body as lora_config and training_config.
type CreateJobRequest struct {
	Name      string `json:"name" yaml:"name"`
	ModelName string `json:"model_name" yaml:"model_name"`
	DatasetID string `json:"dataset_id" yaml:"dataset_id"`
	JobConfig `yaml:",inline"`
}

// NewCreateJobRequest returns a request carrying the default hyperparameters.
// Decode into it so omitted fields keep their defaults. Target modules are
// left empty and later chosen from the model name.
func NewCreateJobRequest() CreateJobRequest {
	cfg := DefaultJobConfig()
	cfg.LoRA.TargetModules = nil
	return CreateJobRequest{JobConfig: cfg}
}
