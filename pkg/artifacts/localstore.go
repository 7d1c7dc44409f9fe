package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/store"
)

// LocalStore keeps artifacts as files in a directory. An in-memory index maps
// keys to files so that List never observes a partially written artifact.
type LocalStore struct {
	index        store.Store
	artifactsDir string
}

// NewLocalStore clears artifactsDir and returns a store rooted at it.
func NewLocalStore(artifactsDir string) (*LocalStore, error) {
	if artifactsDir == "" {
		artifactsDir = ".artifacts"
	}
	// Clear previous artifacts and create a new directory
	if _, err := os.Stat(artifactsDir); err == nil {
		if err := os.RemoveAll(artifactsDir); err != nil {
			return nil, fmt.Errorf("could not remove %s directory: %v", artifactsDir, err)
		}
	}

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create %s directory: %v", artifactsDir, err)
	}

	return &LocalStore{
		index:        store.NewMemStore(),
		artifactsDir: artifactsDir,
	}, nil
}

// reserved marks a key whose artifact is still being written.
type reserved struct{}

func (l *LocalStore) Put(ctx context.Context, key string, r io.Reader) (models.Artifact, error) {
	// Claiming the key first makes concurrent puts of one key fail fast.
	if err := l.index.Set(key, reserved{}); err != nil {
		return models.Artifact{}, fmt.Errorf("could not store artifact %s: %w", key, err)
	}

	name, n, err := l.write(r)
	if err != nil {
		l.index.Delete(key)
		return models.Artifact{}, fmt.Errorf("could not write artifact %s: %v", key, err)
	}
	if err := l.index.Update(key, name); err != nil {
		os.Remove(name)
		return models.Artifact{}, fmt.Errorf("could not store artifact %s: %w", key, err)
	}
	return models.Artifact{Key: key, Kind: kindOf(key), Size: n}, nil
}

func (l *LocalStore) write(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(l.artifactsDir, "artifact-*.tmp")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

func (l *LocalStore) path(key string) (string, error) {
	v, err := l.index.Get(key)
	if err != nil {
		return "", err
	}
	p, ok := v.(string)
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (l *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, fmt.Errorf("could not find artifact %s: %w", key, err)
	}
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return nil, fmt.Errorf("could not open artifact %s: %v", key, err)
	}
	return f, nil
}

// List skips artifacts that are still being written.
func (l *LocalStore) List(ctx context.Context, pattern string) ([]string, error) {
	keys, err := l.index.Keys(pattern)
	if err != nil {
		return nil, err
	}
	written := keys[:0]
	for _, k := range keys {
		if _, err := l.path(k); err == nil {
			written = append(written, k)
		}
	}
	return written, nil
}
