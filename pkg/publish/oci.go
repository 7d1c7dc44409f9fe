package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opnlabs/dotci/pkg/models"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	ArtifactType     = "application/vnd.dotci.package.v1"
	defaultMediaType = "application/octet-stream"
)

// OCIPublisher pushes the dist files as layers of one OCI artifact tagged
// with the release version.
type OCIPublisher struct {
	Repository  string
	Environment string
	PlainHTTP   bool
	Logger      *log.Logger
	Now         func() time.Time
	// Target opens the destination. It defaults to a remote repository
	// authenticated with the credential's token.
	Target func(cred Credential) (oras.Target, error)
}

func NewOCIPublisher(spec models.PublishSpec, logger *log.Logger) *OCIPublisher {
	return &OCIPublisher{
		Repository:  spec.Repository,
		Environment: spec.Environment,
		PlainHTTP:   spec.PlainHTTP,
		Logger:      logger,
	}
}

func (p *OCIPublisher) Publish(ctx context.Context, decision models.ReleaseDecision, dist Dist, cred Credential) error {
	if !decision.Released {
		return nil
	}
	if err := cred.Check("", p.Environment, now(p.Now)); err != nil {
		return authFailure(err)
	}
	if len(dist.Files) == 0 {
		return uploadFailure(ErrEmptyDist)
	}

	open := p.Target
	if open == nil {
		open = p.remote
	}
	target, err := open(cred)
	if err != nil {
		return authFailure(err)
	}

	layers := make([]ocispec.Descriptor, 0, len(dist.Files))
	for _, file := range dist.Files {
		data, err := dist.read(file)
		if err != nil {
			return uploadFailure(err)
		}
		desc, err := oras.PushBytes(ctx, target, mediaType(file), data)
		if err != nil {
			return uploadFailure(fmt.Errorf("push %s: %w", file, err))
		}
		desc.Annotations = map[string]string{ocispec.AnnotationTitle: filepath.ToSlash(file)}
		layers = append(layers, desc)
	}

	manifest, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: layers,
		ManifestAnnotations: map[string]string{
			ocispec.AnnotationVersion:  decision.Version,
			ocispec.AnnotationRevision: decision.CommitSHA,
		},
	})
	if err != nil {
		return uploadFailure(fmt.Errorf("pack manifest: %w", err))
	}
	if err := target.Tag(ctx, manifest, decision.Version); err != nil {
		return uploadFailure(fmt.Errorf("tag manifest %s: %w", decision.Version, err))
	}

	p.logger().Info("published", "repository", p.Repository, "version", decision.Version,
		"files", len(layers), "digest", manifest.Digest.String())
	return nil
}

func (p *OCIPublisher) remote(cred Credential) (oras.Target, error) {
	repo, err := remote.NewRepository(p.Repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %s: %v", p.Repository, err)
	}
	repo.PlainHTTP = p.PlainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			AccessToken: cred.Token,
		}),
	}
	return repo, nil
}

func (p *OCIPublisher) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

func mediaType(file string) string {
	switch {
	case strings.HasSuffix(file, ".tar.gz"), strings.HasSuffix(file, ".tgz"):
		return ocispec.MediaTypeImageLayerGzip
	case strings.HasSuffix(file, ".whl"), strings.HasSuffix(file, ".zip"):
		return "application/zip"
	}
	return defaultMediaType
}
