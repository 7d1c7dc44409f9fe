// Package artifacts stores the outputs of matrix jobs for the duration of a
// pipeline run.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/store"
)

var (
	ErrExists   = store.ErrKeyExists
	ErrNotFound = store.ErrKeyDoesntExist
)

type Store interface {
	// Put stores the contents of r under key. Keys are write-once: putting
	// an existing key returns ErrExists and leaves the stored artifact
	// untouched.
	Put(ctx context.Context, key string, r io.Reader) (models.Artifact, error)

	// Get opens the artifact stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the sorted keys matching a path.Match pattern.
	List(ctx context.Context, pattern string) ([]string, error)
}

// Open builds the store described by the artifacts section of the pipeline
// file.
func Open(ctx context.Context, spec models.ArtifactStorage) (Store, error) {
	switch spec.Kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "local":
		return NewLocalStore(spec.Path)
	case "minio":
		return NewMinioStore(ctx, MinioOptions{
			Endpoint:  spec.Endpoint,
			Bucket:    spec.Bucket,
			AccessKey: spec.AccessKey,
			SecretKey: spec.SecretKey,
			Secure:    spec.Secure,
			Prefix:    spec.Path,
		})
	}
	return nil, fmt.Errorf("unknown artifact store: %s", spec.Kind)
}

// MemoryStore keeps artifacts in a store.Store.
type MemoryStore struct {
	kv store.Store
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: store.NewMemStore()}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader) (models.Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("could not read artifact %s: %w", key, err)
	}
	if err := m.kv.Set(key, data); err != nil {
		return models.Artifact{}, fmt.Errorf("could not store artifact %s: %w", key, err)
	}
	return models.Artifact{Key: key, Kind: kindOf(key), Size: int64(len(data))}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	v, err := m.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("could not find artifact %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(v.([]byte))), nil
}

func (m *MemoryStore) List(ctx context.Context, pattern string) ([]string, error) {
	return m.kv.Keys(pattern)
}

func kindOf(key string) models.ArtifactKind {
	if strings.HasPrefix(key, models.CoverageKeyPrefix) {
		return models.ArtifactCoverage
	}
	return ""
}
