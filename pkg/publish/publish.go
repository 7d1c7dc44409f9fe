// Package publish uploads a released distribution to a package registry.
//
// Publishers never read credentials from the environment themselves. A
// TokenSource mints a Credential scoped to one pipeline run and one
// deployment environment, and the caller hands it to Publish explicitly.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/utils"
)

var (
	ErrExpired          = errors.New("credential has expired")
	ErrWrongRun         = errors.New("credential was issued for another run")
	ErrWrongEnvironment = errors.New("credential was issued for another environment")
	ErrEmptyDist        = errors.New("distribution is empty")
)

// Credential is a short lived publish token.
type Credential struct {
	Token       string
	RunID       string
	Environment string
	ExpiresAt   time.Time
}

// Check reports whether the credential may be used by run in environment
// at time now.
func (c Credential) Check(runID, environment string, now time.Time) error {
	if c.Token == "" {
		return errors.New("credential has no token")
	}
	if runID != "" && c.RunID != runID {
		return ErrWrongRun
	}
	if environment != "" && c.Environment != environment {
		return ErrWrongEnvironment
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

type TokenSource interface {
	// Token mints a credential for runID in environment.
	Token(ctx context.Context, runID, environment string) (Credential, error)
}

type Publisher interface {
	// Publish uploads dist as the version named by decision. It does
	// nothing when the decision is not a release.
	Publish(ctx context.Context, decision models.ReleaseDecision, dist Dist, cred Credential) error
}

// Dist is the set of built files to publish.
type Dist struct {
	Dir   string
	Files []string
}

// FindDist lists the files of the dist directory.
func FindDist(dir string) (Dist, error) {
	if dir == "" {
		dir = "dist"
	}
	files, err := utils.ListFiles(dir)
	if err != nil {
		return Dist{}, fmt.Errorf("unable to read dist directory %s: %v", dir, err)
	}
	if len(files) == 0 {
		return Dist{}, fmt.Errorf("%s: %w", dir, ErrEmptyDist)
	}
	return Dist{Dir: dir, Files: files}, nil
}

// Path returns the location of file on disk.
func (d Dist) Path(file string) string {
	return filepath.Join(d.Dir, file)
}

func (d Dist) read(file string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(file))
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %v", file, err)
	}
	return data, nil
}

func authFailure(err error) error {
	return &models.PublishFailure{Phase: models.PhaseAuth, Err: err}
}

func uploadFailure(err error) error {
	return &models.PublishFailure{Phase: models.PhaseUpload, Err: err}
}

// New returns the publisher configured by spec, or nil when publishing is
// disabled. name is the package name used when spec does not set one.
func New(spec models.PublishSpec, name string, logger *log.Logger) Publisher {
	switch spec.Kind {
	case "oci":
		return NewOCIPublisher(spec, logger)
	case "index":
		return NewIndexPublisher(spec, name, logger)
	}
	return nil
}

// NewTokenSource mints tokens at spec's token endpoint when one is set and
// falls back to a static token from the environment.
func NewTokenSource(spec models.PublishSpec) TokenSource {
	if spec.TokenEndpoint != "" {
		return NewOIDCTokenSource(spec.TokenEndpoint)
	}
	return StaticTokenSource{}
}
