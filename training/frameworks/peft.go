package frameworks

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/training"
)

// PEFTRunner launches an external LoRA training script and follows its
// progress. The script reads its settings from the environment and prints
// one JSON object per line on stdout:
//
//	{"stage": "loading model"}
//	{"step": 10, "epoch": 0.5, "loss": 1.93, "learning_rate": 0.0002}
//	{"checkpoint": "/path/to/checkpoint-500", "step": 500}
//	{"artifact": "/path/to/adapter"}
//
// Other stdout lines are ignored. The process is killed on cancellation.
type PEFTRunner struct {
	Command      []string // e.g. python -m torch.distributed.run --nproc_per_node=1 train_lora.py
	GPUs         int
	Env          map[string]string
	PollInterval time.Duration // how often the cancellation predicate is checked while the script is silent
	Now          func() time.Time
}

type progressLine struct {
	Stage        *string  `json:"stage"`
	Step         *int     `json:"step"`
	Epoch        float64  `json:"epoch"`
	Loss         *float64 `json:"loss"`
	LearningRate float64  `json:"learning_rate"`
	Checkpoint   string   `json:"checkpoint"`
	Artifact     string   `json:"artifact"`
}

// Train runs the script for one job
func (p *PEFTRunner) Train(ctx context.Context, req training.Request, report training.Reporter, cancelled func() bool) (*training.Result, error) {
	if len(p.Command) == 0 {
		return nil, errors.New("no training command configured")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	datasetPath, err := writeCorpus(req)
	if err != nil {
		return nil, fmt.Errorf("write training corpus: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(runCtx, p.Command[0], p.Command[1:]...)
	cmd.Env = append(os.Environ(), p.environment(req, datasetPath)...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start training command: %w", err)
	}

	var wasCancelled atomic.Bool
	checkCancel := func() bool {
		if cancelled() {
			wasCancelled.Store(true)
			stop()
			return true
		}
		return false
	}

	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if checkCancel() {
					return
				}
			}
		}
	}()

	type followResult struct {
		artifact string
		err      error
	}
	followed := make(chan followResult, 1)
	go func() {
		artifact, err := p.follow(pr, report, checkCancel)
		if err != nil {
			stop()
		}
		io.Copy(io.Discard, pr)
		followed <- followResult{artifact: artifact, err: err}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	close(watchDone)
	res := <-followed

	switch {
	case wasCancelled.Load():
		return nil, training.ErrCancelled
	case res.err != nil:
		return nil, res.err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case waitErr != nil:
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return nil, fmt.Errorf("training command failed: %w: %s", waitErr, lastLine(tail))
		}
		return nil, fmt.Errorf("training command failed: %w", waitErr)
	}

	dir := res.artifact
	if dir == "" {
		dir = req.OutputDir
	}
	files, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("read adapter output: %w", err)
	}
	return &training.Result{ArtifactDir: dir, Files: files}, nil
}

func (p *PEFTRunner) follow(r io.Reader, report training.Reporter, cancelled func() bool) (string, error) {
	var artifact string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg progressLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch {
		case msg.Stage != nil:
			report.Stage(*msg.Stage)
		case msg.Checkpoint != "" && msg.Step != nil:
			files, err := listFiles(msg.Checkpoint)
			if err != nil {
				report.Stage(fmt.Sprintf("checkpoint %d unreadable: %v", *msg.Step, err))
				break
			}
			report.Checkpoint(*msg.Step, msg.Checkpoint, files)
		case msg.Step != nil && msg.Loss != nil:
			sample := models.ProgressSample{
				Step:         *msg.Step,
				Epoch:        msg.Epoch,
				Loss:         *msg.Loss,
				LearningRate: msg.LearningRate,
				Timestamp:    p.now(),
			}
			if err := report.Sample(sample); err != nil {
				return "", err
			}
		case msg.Artifact != "":
			artifact = msg.Artifact
		}

		if cancelled() {
			return "", nil
		}
	}
	return artifact, scanner.Err()
}

// environment returns the variables handed to the training script
func (p *PEFTRunner) environment(req training.Request, datasetPath string) []string {
	cfg := req.Config
	env := map[string]string{
		"JOB_ID":                      req.JobID,
		"BASE_MODEL":                  req.ModelName,
		"DATASET_PATH":                datasetPath,
		"OUTPUT_DIR":                  req.OutputDir,
		"TOTAL_STEPS":                 strconv.Itoa(req.TotalSteps),
		"LORA_R":                      strconv.Itoa(cfg.LoRA.Rank),
		"LORA_ALPHA":                  strconv.Itoa(cfg.LoRA.Alpha),
		"LORA_DROPOUT":                formatFloat(cfg.LoRA.Dropout),
		"LORA_TARGET_MODULES":         strings.Join(cfg.LoRA.TargetModules, ","),
		"LEARNING_RATE":               formatFloat(cfg.Training.LearningRate),
		"NUM_EPOCHS":                  strconv.Itoa(cfg.Training.NumEpochs),
		"BATCH_SIZE":                  strconv.Itoa(cfg.Training.BatchSize),
		"MAX_LENGTH":                  strconv.Itoa(cfg.Training.MaxLength),
		"GRADIENT_ACCUMULATION_STEPS": strconv.Itoa(cfg.Training.GradientAccumulationSteps),
		"WARMUP_RATIO":                formatFloat(cfg.Training.WarmupRatio),
		"WEIGHT_DECAY":                formatFloat(cfg.Training.WeightDecay),
		"LOGGING_STEPS":               strconv.Itoa(cfg.Training.LoggingSteps),
		"SAVE_STEPS":                  strconv.Itoa(cfg.Training.SaveSteps),
		"MASTER_ADDR":                 "127.0.0.1",
		"MASTER_PORT":                 "29500",
		"WORLD_SIZE":                  "1",
		"RANK":                        "0",
	}
	if p.GPUs > 0 {
		devices := make([]string, p.GPUs)
		for i := range devices {
			devices[i] = strconv.Itoa(i)
		}
		env["CUDA_VISIBLE_DEVICES"] = strings.Join(devices, ",")
	}
	for k, v := range p.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (p *PEFTRunner) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return 500 * time.Millisecond
}

func (p *PEFTRunner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// writeCorpus stores the formatted texts as JSON lines next to the output
func writeCorpus(req training.Request) (string, error) {
	path := filepath.Join(req.OutputDir, "train.jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, text := range req.Texts {
		if err := enc.Encode(map[string]string{"text": text}); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, f.Close()
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "train.jsonl" {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
