package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opnlabs/dotci/pkg/models"
)

var (
	ErrDuplicateAxis = errors.New("matrix: duplicate axis value")
	ErrInvalidAxis   = errors.New("matrix: axis value contains / or a glob character")
)

// Matrix is the cross product of platforms and runtime versions.
type Matrix struct {
	Platforms []string
	Versions  []string
}

func NewMatrix(spec models.MatrixSpec) Matrix {
	return Matrix{Platforms: spec.Platforms, Versions: spec.Versions}
}

// Size is the number of jobs the matrix expands to.
func (m Matrix) Size() int {
	return len(m.Platforms) * len(m.Versions)
}

// Expand returns one pending job per (platform, version) pair, platform
// major. Duplicate values on either axis are rejected since they would
// produce colliding artifact keys.
func (m Matrix) Expand() ([]models.Job, error) {
	if err := unique("platform", m.Platforms); err != nil {
		return nil, err
	}
	if err := unique("version", m.Versions); err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, m.Size())
	for _, p := range m.Platforms {
		for _, v := range m.Versions {
			jobs = append(jobs, models.Job{Platform: p, Version: v, Status: models.JobPending})
		}
	}
	return jobs, nil
}

// CoverageKeys returns the artifact keys a successful run of the matrix
// produces.
func (m Matrix) CoverageKeys() ([]string, error) {
	jobs, err := m.Expand()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = j.CoverageKey()
	}
	return keys, nil
}

func unique(axis string, values []string) error {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("matrix: empty %s", axis)
		}
		// Axis values end up in artifact keys that are listed by glob.
		if strings.ContainsAny(v, `/*?[\`) {
			return fmt.Errorf("%w: %s %q", ErrInvalidAxis, axis, v)
		}
		if seen[v] {
			return fmt.Errorf("%w: %s %q", ErrDuplicateAxis, axis, v)
		}
		seen[v] = true
	}
	return nil
}

// Interpolate replaces {{platform}} and {{version}} in s with the job's
// values.
func Interpolate(s string, job models.Job) string {
	return strings.NewReplacer("{{platform}}", job.Platform, "{{version}}", job.Version).Replace(s)
}
