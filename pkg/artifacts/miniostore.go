package artifacts

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opnlabs/dotci/pkg/models"
)

type MinioOptions struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	// Prefix is prepended to every object name, typically the run ID.
	Prefix string
}

// MinioStore keeps artifacts in an S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create object store client for %s: %v", opts.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("unable to check bucket %s: %v", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("unable to create bucket %s: %v", opts.Bucket, err)
		}
	}

	return &MinioStore{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (m *MinioStore) objectName(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader) (models.Artifact, error) {
	name := m.objectName(key)
	_, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return models.Artifact{}, fmt.Errorf("could not store artifact %s: %w", key, ErrExists)
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return models.Artifact{}, fmt.Errorf("could not stat artifact %s: %v", key, err)
	}

	info, err := m.client.PutObject(ctx, m.bucket, name, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("could not upload artifact %s: %v", key, err)
	}
	return models.Artifact{Key: key, Kind: kindOf(key), Size: info.Size}, nil
}

func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name := m.objectName(key)
	if _, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("could not find artifact %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("could not stat artifact %s: %v", key, err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not download artifact %s: %v", key, err)
	}
	return obj, nil
}

func (m *MinioStore) List(ctx context.Context, pattern string) ([]string, error) {
	prefix := ""
	if m.prefix != "" {
		prefix = m.prefix + "/"
	}

	keys := make([]string, 0)
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("could not list artifacts in %s: %v", m.bucket, obj.Err)
		}
		key := strings.TrimPrefix(obj.Key, prefix)
		if pattern != "" {
			ok, err := path.Match(pattern, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
