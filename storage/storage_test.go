package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("data:"+n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := &LocalStore{Root: root}
	src := writeFiles(t, "adapter_config.json", "adapter_model.bin")

	uri, err := store.Upload(ctx, AdapterPrefix("job-1"), src, []string{"adapter_config.json", "adapter_model.bin"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "jobs/job-1/adapter") {
		t.Fatalf("unexpected uri %s", uri)
	}
	data, err := os.ReadFile(filepath.Join(root, "jobs", "job-1", "adapter", "adapter_model.bin"))
	if err != nil || string(data) != "data:adapter_model.bin" {
		t.Fatalf("stored file = %q, %v", data, err)
	}

	if err := store.DeletePrefix(ctx, JobPrefix("job-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "jobs", "job-1")); !os.IsNotExist(err) {
		t.Fatalf("expected job dir removed, got %v", err)
	}

	if err := store.DeletePrefix(ctx, "../"); err == nil {
		t.Fatal("expected deletion outside root to be refused")
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{"jobs/other/adapter/x": "keep"}}
	store := NewS3Store(fake, "adapters")
	src := writeFiles(t, "adapter_config.json")

	uri, err := store.Upload(ctx, AdapterPrefix("job-1"), src, []string{"adapter_config.json"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "s3://adapters/jobs/job-1/adapter/" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if fake.objects["jobs/job-1/adapter/adapter_config.json"] != "data:adapter_config.json" {
		t.Fatalf("object not stored: %v", fake.objects)
	}

	if err := store.DeletePrefix(ctx, JobPrefix("job-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fake.objects) != 1 || fake.objects["jobs/other/adapter/x"] != "keep" {
		t.Fatalf("unexpected remaining objects: %v", fake.objects)
	}
}

func TestCheckpointManager(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	cm := NewCheckpointManager(&LocalStore{Root: t.TempDir()}, repo)
	src := writeFiles(t, "adapter_model.bin")
	files := []string{"adapter_model.bin"}

	if _, err := cm.GetLatestCheckpoint(ctx, "job-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for _, step := range []int{500, 1500, 1000} {
		if _, err := cm.SaveCheckpoint(ctx, "job-1", step, src, files); err != nil {
			t.Fatalf("checkpoint %d: %v", step, err)
		}
	}
	latest, err := cm.GetLatestCheckpoint(ctx, "job-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !strings.HasSuffix(latest, "checkpoint-1500") {
		t.Fatalf("latest checkpoint = %s", latest)
	}

	if _, err := cm.SaveAdapter(ctx, "job-1", src, files); err != nil {
		t.Fatalf("adapter: %v", err)
	}
	all, err := cm.ListArtifacts(ctx, "job-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Type != models.ArtifactTypeAdapter {
		t.Fatalf("unexpected artifacts %+v", all)
	}

	if err := cm.Purge(ctx, "job-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	all, err = cm.ListArtifacts(ctx, "job-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected artifacts purged, got %d", len(all))
	}
}
