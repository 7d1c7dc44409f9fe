package release

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRepo struct {
	t    *testing.T
	repo *git.Repository
	wt   *git.Worktree
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &testRepo{t: t, repo: repo, wt: wt}
}

func (r *testRepo) commit(msg string) plumbing.Hash {
	r.t.Helper()
	h, err := r.wt.Commit(msg, &git.CommitOptions{
		Author:            &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
		AllowEmptyCommits: true,
	})
	require.NoError(r.t, err)
	return h
}

func (r *testRepo) tag(name string, h plumbing.Hash) {
	r.t.Helper()
	_, err := r.repo.CreateTag(name, h, nil)
	require.NoError(r.t, err)
}

func (r *testRepo) gate(prefix string) *GitGate {
	r.t.Helper()
	g, err := NewGitGate(r.repo, models.ReleaseSpec{TagPrefix: prefix}, nil)
	require.NoError(r.t, err)
	return g
}

func TestDecideFirstRelease(t *testing.T) {
	r := newTestRepo(t)
	r.commit("chore: initial commit")
	head := r.commit("feat(parser): read live sets")

	d, err := r.gate("v").Decide(context.Background(), head.String())
	require.NoError(t, err)
	assert.True(t, d.Released)
	assert.Equal(t, "0.1.0", d.Version)
	assert.Equal(t, "0.0.0", d.PreviousVersion)
	assert.Equal(t, "v0.1.0", d.Tag)
	assert.Equal(t, head.String(), d.CommitSHA)
	assert.Contains(t, d.Changelog, "**parser**: read live sets")
}

func TestDecideBumps(t *testing.T) {
	tests := []struct {
		name     string
		messages []string
		released bool
		version  string
	}{
		{"patch", []string{"fix: handle empty tracks", "docs: readme"}, true, "1.2.1"},
		{"minor", []string{"fix: a", "feat: b"}, true, "1.3.0"},
		{"major bang", []string{"feat!: drop python 3.8"}, true, "2.0.0"},
		{"major footer", []string{"refactor: api\n\nBREAKING CHANGE: renamed LiveSet"}, true, "2.0.0"},
		{"nothing releasable", []string{"chore: bump deps", "update readme"}, false, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := newTestRepo(t)
			r.tag("1.2.0", r.commit("feat: first"))
			var head plumbing.Hash
			for _, m := range test.messages {
				head = r.commit(m)
			}

			d, err := r.gate("").Decide(context.Background(), head.String())
			require.NoError(t, err)
			assert.Equal(t, test.released, d.Released)
			assert.Equal(t, test.version, d.Version)
			assert.Equal(t, "1.2.0", d.PreviousVersion)
		})
	}
}

func TestDecideIgnoresCommitsBeforeLastTag(t *testing.T) {
	r := newTestRepo(t)
	r.commit("feat!: old breaking change")
	r.tag("v3.0.0", r.commit("fix: released"))
	head := r.commit("fix: new")

	d, err := r.gate("v").Decide(context.Background(), head.String())
	require.NoError(t, err)
	assert.Equal(t, "3.0.1", d.Version)
	assert.NotContains(t, d.Changelog, "old breaking change")
}

func TestDecideOnTaggedCommit(t *testing.T) {
	r := newTestRepo(t)
	head := r.commit("feat: x")
	r.tag("v0.1.0", head)

	d, err := r.gate("v").Decide(context.Background(), head.String())
	require.NoError(t, err)
	assert.False(t, d.Released)
	assert.Equal(t, "0.1.0", d.PreviousVersion)
}

func TestDecideAndTagAreIdempotent(t *testing.T) {
	r := newTestRepo(t)
	r.tag("v2.2.0", r.commit("feat: base"))
	head := r.commit("feat: new api")
	g := r.gate("v")
	ctx := context.Background()

	first, err := g.Decide(ctx, head.String())
	require.NoError(t, err)
	require.NoError(t, g.Tag(ctx, first))

	second, err := g.Decide(ctx, head.String())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NoError(t, g.Tag(ctx, second))

	tags, err := r.repo.Tags()
	require.NoError(t, err)
	count := 0
	require.NoError(t, tags.ForEach(func(ref *plumbing.Reference) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)

	ref, err := r.repo.Tag("v2.3.0")
	require.NoError(t, err)
	tagObj, err := r.repo.TagObject(ref.Hash())
	require.NoError(t, err)
	c, err := tagObj.Commit()
	require.NoError(t, err)
	assert.Equal(t, head, c.Hash)
}

func TestTagConflict(t *testing.T) {
	r := newTestRepo(t)
	other := r.commit("feat: a")
	head := r.commit("feat: b")
	r.tag("v9.9.9", other)

	err := r.gate("v").Tag(context.Background(), models.ReleaseDecision{
		Released: true, Version: "9.9.9", Tag: "v9.9.9", CommitSHA: head.String(),
	})
	var failure *models.ReleaseFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.PhaseTag, failure.Phase)
}

func TestTagSkipsIneligible(t *testing.T) {
	r := newTestRepo(t)
	r.commit("chore: x")
	require.NoError(t, r.gate("v").Tag(context.Background(), models.ReleaseDecision{Released: false}))
}

func TestDecideUnknownRevision(t *testing.T) {
	r := newTestRepo(t)
	r.commit("feat: x")
	_, err := r.gate("").Decide(context.Background(), "0123456789012345678901234567890123456789")
	var failure *models.ReleaseFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.PhaseCompute, failure.Phase)
}

func TestValidateDecision(t *testing.T) {
	ok := models.ReleaseDecision{Released: true, Version: "2.3.0", PreviousVersion: "2.2.1", Tag: "v2.3.0", CommitSHA: "abc"}
	assert.NoError(t, ValidateDecision(ok))
	assert.NoError(t, ValidateDecision(models.ReleaseDecision{}))

	bad := []models.ReleaseDecision{
		{Released: true, Version: "not-a-version", Tag: "x", CommitSHA: "abc"},
		{Released: true, Version: "2.2.0", PreviousVersion: "2.2.1", Tag: "v2.2.0", CommitSHA: "abc"},
		{Released: true, Version: "2.3.0", PreviousVersion: "2.2.1", CommitSHA: "abc"},
		{Released: true, Version: "2.3.0", PreviousVersion: "2.2.1", Tag: "v2.3.0"},
	}
	for _, d := range bad {
		assert.Error(t, ValidateDecision(d), "%+v", d)
	}
}

func TestParseCommit(t *testing.T) {
	c, ok := ParseCommit("0123456789", "feat(cli)!: new flags\n\nbody text")
	require.True(t, ok)
	assert.Equal(t, "feat", c.Type)
	assert.Equal(t, "cli", c.Scope)
	assert.True(t, c.Breaking)
	assert.Equal(t, BumpMajor, NextBump([]Commit{c}))

	_, ok = ParseCommit("0123456789", "Merge branch 'main'")
	assert.False(t, ok)
}

func TestChangelogSections(t *testing.T) {
	log := Changelog("v1.0.0", []Commit{
		{Hash: "aaaaaaaaaa", Type: "feat", Description: "add export"},
		{Hash: "bbbbbbbbbb", Type: "fix", Description: "fix crash"},
		{Hash: "cccccccccc", Type: "docs", Description: "typo"},
	})
	assert.Contains(t, log, "## v1.0.0")
	assert.Contains(t, log, "### Features\n\n- add export (aaaaaaa)")
	assert.Contains(t, log, "### Bug Fixes\n\n- fix crash (bbbbbbb)")
	assert.NotContains(t, log, "typo")
}

func TestTagPushesToRemote(t *testing.T) {
	dir := t.TempDir()
	origin, err := git.PlainInit(dir, true)
	require.NoError(t, err)

	r := newTestRepo(t)
	_, err = r.repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{dir}})
	require.NoError(t, err)
	head := r.commit("feat: first release")

	g, err := NewGitGate(r.repo, models.ReleaseSpec{TagPrefix: "v", Remote: "origin"}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	d, err := g.Decide(ctx, head.String())
	require.NoError(t, err)
	require.NoError(t, g.Tag(ctx, d))
	// Tagging again finds the remote up to date.
	require.NoError(t, g.Tag(ctx, d))

	ref, err := origin.Tag("v0.1.0")
	require.NoError(t, err)
	tag, err := origin.TagObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, head, tag.Target)
}

func TestTagPushFailure(t *testing.T) {
	r := newTestRepo(t)
	missing := filepath.Join(t.TempDir(), "missing.git")
	_, err := r.repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{missing}})
	require.NoError(t, err)
	head := r.commit("fix: bug")

	g, err := NewGitGate(r.repo, models.ReleaseSpec{Remote: "origin"}, nil)
	require.NoError(t, err)
	d, err := g.Decide(context.Background(), head.String())
	require.NoError(t, err)

	err = g.Tag(context.Background(), d)
	var failure *models.ReleaseFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.PhaseTag, failure.Phase)
}
