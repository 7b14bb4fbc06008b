package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"lora-orchestrator/core/models"
)

// Example is one raw dataset record
type Example map[string]any

// DatasetSource resolves dataset ids to their examples
type DatasetSource interface {
	Exists(ctx context.Context, id string) (bool, error)
	Load(ctx context.Context, id string) ([]Example, error)
	List(ctx context.Context) ([]string, error)
}

// FormatExample renders a record into the prompt format used for training.
// Recognized shapes are instruction/output, input/output and question/answer;
// anything else is rendered verbatim.
func FormatExample(ex Example) string {
	pairs := [][2]string{
		{"instruction", "output"},
		{"input", "output"},
		{"question", "answer"},
	}
	for _, p := range pairs {
		prompt, ok1 := ex[p[0]]
		reply, ok2 := ex[p[1]]
		if ok1 && ok2 {
			return fmt.Sprintf("User: %v Bot: %v<|endoftext|>", prompt, reply)
		}
	}

	raw, err := json.Marshal(map[string]any(ex))
	if err != nil {
		raw = []byte(fmt.Sprint(map[string]any(ex)))
	}
	return fmt.Sprintf("User: %s Bot: <|endoftext|>", raw)
}

// FormatExamples renders every example
func FormatExamples(examples []Example) []string {
	texts := make([]string, 0, len(examples))
	for _, ex := range examples {
		texts = append(texts, FormatExample(ex))
	}
	return texts
}

var modelTargetModules = []struct {
	prefix  string
	modules []string
}{
	{"rinna/japanese-gpt-neox", []string{"query_key_value", "dense"}},
	{"rinna/japanese-gpt-1b", []string{"c_attn", "c_proj"}},
	{"cyberagent/open-calm", []string{"query_key_value", "dense"}},
	{"meta-llama", []string{"q_proj", "v_proj", "k_proj", "o_proj"}},
	{"mistralai", []string{"q_proj", "v_proj", "k_proj", "o_proj"}},
	{"google/gemma-2", []string{"q_proj", "k_proj", "v_proj", "o_proj", "gate_proj", "up_proj", "down_proj"}},
	{"google/gemma", []string{"q_proj", "v_proj", "k_proj", "o_proj"}},
}

// TargetModulesFor returns the attention modules LoRA adapts for a base model
// family. Unknown models fall back to GPT-2 style names.
func TargetModulesFor(modelName string) []string {
	for _, m := range modelTargetModules {
		if strings.Contains(modelName, m.prefix) {
			return append([]string(nil), m.modules...)
		}
	}
	return []string{"c_attn", "c_proj"}
}

// DirSource reads datasets from <dir>/<id>.json (an array of records) or
// <dir>/<id>.jsonl (one record per line)
type DirSource struct {
	Dir string
}

func (s *DirSource) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("dataset %q: %w", id, models.ErrNotFound)
	}
	for _, ext := range []string{".json", ".jsonl"} {
		p := filepath.Join(s.Dir, id+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("dataset %s: %w", id, models.ErrNotFound)
}

func (s *DirSource) Exists(_ context.Context, id string) (bool, error) {
	_, err := s.path(id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *DirSource) Load(_ context.Context, id string) ([]Example, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var examples []Example
	if strings.HasSuffix(p, ".jsonl") {
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var ex Example
			if err := json.Unmarshal([]byte(line), &ex); err != nil {
				return nil, fmt.Errorf("dataset %s line %d: %w", id, i+1, err)
			}
			examples = append(examples, ex)
		}
		return examples, nil
	}

	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return examples, nil
}

// List returns the ids of every dataset in the directory. A missing
// directory holds no datasets.
func (s *DirSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext := filepath.Ext(name); ext == ".json" || ext == ".jsonl" {
			ids = append(ids, strings.TrimSuffix(name, ext))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MemorySource holds datasets in memory
type MemorySource struct {
	mu       sync.RWMutex
	datasets map[string][]Example
}

func NewMemorySource() *MemorySource {
	return &MemorySource{datasets: make(map[string][]Example)}
}

// Put stores a dataset under id
func (s *MemorySource) Put(id string, examples []Example) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[id] = examples
}

func (s *MemorySource) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.datasets[id]
	return ok, nil
}

func (s *MemorySource) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.datasets))
	for id := range s.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemorySource) Load(_ context.Context, id string) ([]Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	examples, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, models.ErrNotFound)
	}
	return examples, nil
}
