package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps the files a training run produces
type ArtifactStore interface {
	// Upload copies files (names relative to localDir) under prefix and
	// returns the URI of the stored directory.
	Upload(ctx context.Context, prefix, localDir string, files []string) (string, error)
	// DeletePrefix removes everything stored under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobPrefix is the storage prefix of everything a job produced
func JobPrefix(jobID string) string {
	return path.Join("jobs", jobID) + "/"
}

// AdapterPrefix is where the final adapter of a job is stored
func AdapterPrefix(jobID string) string {
	return path.Join("jobs", jobID, "adapter") + "/"
}

// CheckpointPrefix is where an intermediate checkpoint is stored
func CheckpointPrefix(jobID string, step int) string {
	return path.Join("jobs", jobID, fmt.Sprintf("checkpoint-%d", step)) + "/"
}

func objectKey(prefix, file string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + filepath.ToSlash(file)
}

// LocalStore keeps artifacts on the local filesystem under Root
type LocalStore struct {
	Root string
}

func (s *LocalStore) Upload(ctx context.Context, prefix, localDir string, files []string) (string, error) {
	dest := filepath.Join(s.Root, filepath.FromSlash(prefix))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := copyFile(filepath.Join(localDir, name), filepath.Join(dest, name)); err != nil {
			return "", fmt.Errorf("store %s: %w", name, err)
		}
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) error {
	target := filepath.Join(s.Root, filepath.FromSlash(prefix))
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if abs == root || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete %s outside artifact root", prefix)
	}
	return os.RemoveAll(abs)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
