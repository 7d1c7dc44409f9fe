// Package release decides whether a commit warrants a new version and
// records releases as git tags.
package release

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/store"
)

type Gate interface {
	// Decide computes the release decision for the commit sha. Calling it
	// again for the same sha returns the same decision.
	Decide(ctx context.Context, sha string) (models.ReleaseDecision, error)
	// Tag records an eligible decision. Tagging the same decision twice is
	// a no-op.
	Tag(ctx context.Context, decision models.ReleaseDecision) error
}

// GitGate derives releases from conventional commit messages since the last
// version tag of a git repository.
type GitGate struct {
	repo      *git.Repository
	prefix    string
	initial   *semver.Version
	decisions store.Store
	tagMu     sync.Mutex
	logger    *log.Logger
	tagger    object.Signature
	remote    string
	pushAuth  transport.AuthMethod
}

// OpenGitGate opens the repository containing path.
func OpenGitGate(path string, spec models.ReleaseSpec, logger *log.Logger) (*GitGate, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("unable to open repository %s: %v", path, err)
	}
	return NewGitGate(repo, spec, logger)
}

func NewGitGate(repo *git.Repository, spec models.ReleaseSpec, logger *log.Logger) (*GitGate, error) {
	initial := spec.InitialVersion
	if initial == "" {
		initial = "0.0.0"
	}
	v, err := semver.NewVersion(initial)
	if err != nil {
		return nil, fmt.Errorf("invalid initial version %s: %v", initial, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	g := &GitGate{
		repo:      repo,
		prefix:    spec.TagPrefix,
		initial:   v,
		decisions: store.NewMemStore(),
		logger:    logger,
		tagger:    object.Signature{Name: "dotci", Email: "dotci@localhost"},
		remote:    spec.Remote,
	}
	if spec.PushToken != "" {
		g.pushAuth = &githttp.BasicAuth{Username: "dotci", Password: spec.PushToken}
	}
	return g, nil
}

func (g *GitGate) Decide(ctx context.Context, sha string) (models.ReleaseDecision, error) {
	hash, err := g.resolve(sha)
	if err != nil {
		return models.ReleaseDecision{}, &models.ReleaseFailure{Phase: models.PhaseCompute, Err: err}
	}
	if cached, err := g.decisions.Get(hash.String()); err == nil {
		return cached.(models.ReleaseDecision), nil
	}

	decision, err := g.decide(ctx, hash)
	if err != nil {
		return models.ReleaseDecision{}, &models.ReleaseFailure{Phase: models.PhaseCompute, Err: err}
	}
	if err := ValidateDecision(decision); err != nil {
		return models.ReleaseDecision{}, &models.ReleaseFailure{Phase: models.PhaseCompute, Err: err}
	}

	if err := g.decisions.Set(hash.String(), decision); errors.Is(err, store.ErrKeyExists) {
		// A concurrent Decide for the same commit won; keep its decision.
		cached, _ := g.decisions.Get(hash.String())
		return cached.(models.ReleaseDecision), nil
	}
	g.logger.Info("release decision", "commit", short(hash.String()), "released", decision.Released,
		"previous", decision.PreviousVersion, "next", decision.Version)
	return decision, nil
}

func (g *GitGate) resolve(sha string) (plumbing.Hash, error) {
	rev := sha
	if rev == "" {
		rev = "HEAD"
	}
	hash, err := g.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("unable to resolve %s: %v", rev, err)
	}
	return *hash, nil
}

func (g *GitGate) decide(ctx context.Context, head plumbing.Hash) (models.ReleaseDecision, error) {
	tagged, err := g.versionTags()
	if err != nil {
		return models.ReleaseDecision{}, err
	}

	iter, err := g.repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return models.ReleaseDecision{}, fmt.Errorf("unable to read history from %s: %v", head, err)
	}
	defer iter.Close()

	current := g.initial
	headTagged := false
	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v, ok := tagged[c.Hash]; ok {
			current = v
			headTagged = c.Hash == head
			return storer.ErrStop
		}
		if parsed, ok := ParseCommit(c.Hash.String(), c.Message); ok {
			commits = append(commits, parsed)
		}
		return nil
	})
	if err != nil {
		return models.ReleaseDecision{}, fmt.Errorf("unable to walk history: %v", err)
	}

	decision := models.ReleaseDecision{
		PreviousVersion: current.String(),
		CommitSHA:       head.String(),
	}
	// A commit that already carries a version tag has been released.
	if headTagged {
		return decision, nil
	}

	bump := NextBump(commits)
	if bump == BumpNone {
		return decision, nil
	}
	next := bump.Apply(current)
	decision.Released = true
	decision.Version = next.String()
	decision.Tag = g.prefix + next.String()
	decision.Changelog = Changelog(decision.Tag, commits)
	return decision, nil
}

// versionTags maps commits to the highest version tagged on them.
func (g *GitGate) versionTags() (map[plumbing.Hash]*semver.Version, error) {
	refs, err := g.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("unable to list tags: %v", err)
	}
	defer refs.Close()

	tagged := make(map[plumbing.Hash]*semver.Version)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !strings.HasPrefix(name, g.prefix) {
			return nil
		}
		v, err := semver.StrictNewVersion(strings.TrimPrefix(name, g.prefix))
		if err != nil {
			return nil
		}
		commit, err := g.tagCommit(ref)
		if err != nil {
			return err
		}
		if prev, ok := tagged[commit]; !ok || v.GreaterThan(prev) {
			tagged[commit] = v
		}
		return nil
	})
	return tagged, err
}

func (g *GitGate) tagCommit(ref *plumbing.Reference) (plumbing.Hash, error) {
	tag, err := g.repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		c, err := tag.Commit()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("tag %s does not point to a commit: %v", ref.Name().Short(), err)
		}
		return c.Hash, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return ref.Hash(), nil
	}
	return plumbing.ZeroHash, fmt.Errorf("unable to read tag %s: %v", ref.Name().Short(), err)
}

func (g *GitGate) Tag(ctx context.Context, decision models.ReleaseDecision) error {
	if !decision.Released {
		return nil
	}
	if err := ValidateDecision(decision); err != nil {
		return &models.ReleaseFailure{Phase: models.PhaseTag, Err: err}
	}

	g.tagMu.Lock()
	defer g.tagMu.Unlock()

	target := plumbing.NewHash(decision.CommitSHA)
	ref, err := g.repo.Tag(decision.Tag)
	switch {
	case err == nil:
		existing, err := g.tagCommit(ref)
		if err != nil {
			return &models.ReleaseFailure{Phase: models.PhaseTag, Err: err}
		}
		if existing != target {
			return &models.ReleaseFailure{Phase: models.PhaseTag,
				Err: fmt.Errorf("tag %s already points to %s", decision.Tag, existing)}
		}
		g.logger.Info("tag already exists", "tag", decision.Tag)
		return g.push(ctx, decision.Tag)
	case !errors.Is(err, git.ErrTagNotFound):
		return &models.ReleaseFailure{Phase: models.PhaseTag, Err: fmt.Errorf("unable to look up tag %s: %v", decision.Tag, err)}
	}

	message := decision.Changelog
	if strings.TrimSpace(message) == "" {
		message = "Release " + decision.Tag
	}
	tagger := g.tagger
	tagger.When = time.Now()
	_, err = g.repo.CreateTag(decision.Tag, target, &git.CreateTagOptions{
		Tagger:  &tagger,
		Message: message,
	})
	if err != nil {
		return &models.ReleaseFailure{Phase: models.PhaseTag, Err: fmt.Errorf("unable to create tag %s: %v", decision.Tag, err)}
	}
	g.logger.Info("created tag", "tag", decision.Tag, "commit", short(decision.CommitSHA))
	return g.push(ctx, decision.Tag)
}

// push sends tag to the configured remote. Without a remote the tag stays
// local.
func (g *GitGate) push(ctx context.Context, tag string) error {
	if g.remote == "" {
		return nil
	}
	ref := plumbing.NewTagReferenceName(tag)
	err := g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: g.remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
		Auth:       g.pushAuth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &models.ReleaseFailure{Phase: models.PhaseTag, Err: fmt.Errorf("unable to push tag %s to %s: %v", tag, g.remote, err)}
	}
	g.logger.Info("pushed tag", "tag", tag, "remote", g.remote)
	return nil
}

// ValidateDecision checks a gate's output before anything acts on it. An
// eligible decision must name a tag, a commit and a valid semantic version
// newer than the previous one.
func ValidateDecision(d models.ReleaseDecision) error {
	if !d.Released {
		return nil
	}
	if d.Tag == "" || d.CommitSHA == "" {
		return errors.New("release decision is missing its tag or commit")
	}
	next, err := semver.StrictNewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("release version %q is not a semantic version: %v", d.Version, err)
	}
	if d.PreviousVersion == "" {
		return nil
	}
	prev, err := semver.NewVersion(d.PreviousVersion)
	if err != nil {
		return fmt.Errorf("previous version %q is not a semantic version: %v", d.PreviousVersion, err)
	}
	if !next.GreaterThan(prev) {
		return fmt.Errorf("release version %s is not newer than %s", next, prev)
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// ResolveHead returns the commit and branch checked out in the repository
// containing path. branch is empty for a detached HEAD.
func ResolveHead(path string) (sha, branch string, err error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("unable to open repository %s: %v", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("unable to read HEAD of %s: %v", path, err)
	}
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return head.Hash().String(), branch, nil
}
