package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"lora-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// JobSpec represents the YAML job specification:
//
//	job:
//	  name: support-bot
//	  model_name: distilgpt2
//	  dataset_id: faq
//	  lora:
//	    r: 16
//	  training:
//	    num_epochs: 2
//
// Omitted hyperparameters keep their defaults.
type JobSpec struct {
	Job models.CreateJobRequest `yaml:"job"`
}

// ParseJobSpec parses a YAML job specification into a creation request.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func ParseJobSpec(specYAML string) (*models.CreateJobRequest, error) {
	if strings.TrimSpace(specYAML) == "" {
		return nil, errors.New("empty job spec")
	}

	spec := JobSpec{Job: models.NewCreateJobRequest()}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(specYAML)))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty job spec")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	req := spec.Job
	req.Name = strings.TrimSpace(req.Name)
	req.ModelName = strings.TrimSpace(req.ModelName)
	req.DatasetID = strings.TrimSpace(req.DatasetID)
	return &req, nil
}
