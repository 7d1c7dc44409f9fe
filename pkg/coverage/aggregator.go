package coverage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/artifacts"
	"github.com/opnlabs/dotci/pkg/models"
)

// Aggregator downloads the coverage artifacts of a finished matrix, merges
// them and hands the result to a Reporter.
type Aggregator struct {
	Store    artifacts.Store
	Reporter Reporter
	Logger   *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Aggregate merges the artifacts matching models.CoverageKeyPattern. The
// stored key set must be exactly expected: a missing or unexpected key
// fails the merge instead of producing a partial report.
func (a *Aggregator) Aggregate(ctx context.Context, expected []string) (*Report, error) {
	keys, err := a.Store.List(ctx, models.CoverageKeyPattern)
	if err != nil {
		return nil, &models.AggregationFailure{Phase: models.PhaseMerge, Err: fmt.Errorf("unable to list coverage artifacts: %w", err)}
	}
	if err := sameKeys(expected, keys); err != nil {
		return nil, &models.AggregationFailure{Phase: models.PhaseMerge, Err: err}
	}

	report := NewReport()
	report.Timestamp = a.now()
	for _, key := range keys {
		doc, err := a.load(ctx, key)
		if err != nil {
			return nil, &models.AggregationFailure{Phase: models.PhaseMerge, Err: err}
		}
		report.Add(key, doc)
	}

	a.logger().Info("merged coverage", "artifacts", len(report.Inputs),
		"lines", report.LinesValid(), "covered", report.LinesCovered(),
		"rate", fmt.Sprintf("%.2f%%", report.LineRate()*100))
	return report, nil
}

// Submit reports the merged coverage. Any error is a submit failure even
// though the merge itself succeeded.
func (a *Aggregator) Submit(ctx context.Context, upload Upload) error {
	if a.Reporter == nil {
		return &models.AggregationFailure{Phase: models.PhaseSubmit, Err: fmt.Errorf("no coverage reporter configured")}
	}
	if err := a.Reporter.Submit(ctx, upload); err != nil {
		return &models.AggregationFailure{Phase: models.PhaseSubmit, Err: err}
	}
	a.logger().Info("submitted coverage", "commit", upload.CommitSHA)
	return nil
}

func (a *Aggregator) load(ctx context.Context, key string) (*Cobertura, error) {
	r, err := a.Store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("unable to download %s: %w", key, err)
	}
	defer r.Close()

	doc, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", key, err)
	}
	return doc, nil
}

func (a *Aggregator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *Aggregator) logger() *log.Logger {
	if a.Logger == nil {
		return log.Default()
	}
	return a.Logger
}

func sameKeys(expected, got []string) error {
	want := make(map[string]bool, len(expected))
	for _, k := range expected {
		want[k] = true
	}
	have := make(map[string]bool, len(got))
	var unexpected []string
	for _, k := range got {
		have[k] = true
		if !want[k] {
			unexpected = append(unexpected, k)
		}
	}
	var missing []string
	for k := range want {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)

	switch {
	case len(missing) > 0:
		return fmt.Errorf("missing coverage artifacts: %s", strings.Join(missing, ", "))
	case len(unexpected) > 0:
		return fmt.Errorf("unexpected coverage artifacts: %s", strings.Join(unexpected, ", "))
	}
	return nil
}
