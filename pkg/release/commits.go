package release

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/leodido/go-conventionalcommits"
	"github.com/leodido/go-conventionalcommits/parser"
)

// Bump is the version increment a set of commits calls for.
type Bump int

const (
	BumpNone Bump = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

func (b Bump) String() string {
	switch b {
	case BumpPatch:
		return "patch"
	case BumpMinor:
		return "minor"
	case BumpMajor:
		return "major"
	}
	return "none"
}

// Apply returns v incremented by b.
func (b Bump) Apply(v *semver.Version) semver.Version {
	switch b {
	case BumpMajor:
		return v.IncMajor()
	case BumpMinor:
		return v.IncMinor()
	case BumpPatch:
		return v.IncPatch()
	}
	return *v
}

// Commit is a classified commit message.
type Commit struct {
	Hash        string
	Type        string
	Scope       string
	Description string
	Breaking    bool
}

func (c Commit) bump() Bump {
	switch {
	case c.Breaking:
		return BumpMajor
	case c.Type == "feat":
		return BumpMinor
	case c.Type == "fix" || c.Type == "perf":
		return BumpPatch
	}
	return BumpNone
}

// ParseCommit classifies a commit message. Messages that are not
// conventional commits are reported with ok set to false.
func ParseCommit(hash, message string) (Commit, bool) {
	machine := parser.NewMachine(
		conventionalcommits.WithTypes(conventionalcommits.TypesConventional),
		conventionalcommits.WithBestEffort(),
	)
	// In best effort mode a parse error still yields the well formed
	// header, which is all the classification needs.
	msg, _ := machine.Parse([]byte(strings.TrimSpace(message)))
	if msg == nil || !msg.Ok() {
		return Commit{}, false
	}
	cc, ok := msg.(*conventionalcommits.ConventionalCommit)
	if !ok {
		return Commit{}, false
	}

	c := Commit{
		Hash:        hash,
		Type:        cc.Type,
		Description: cc.Description,
		Breaking:    cc.IsBreakingChange(),
	}
	if cc.Scope != nil {
		c.Scope = *cc.Scope
	}
	return c, true
}

// NextBump returns the largest bump requested by commits.
func NextBump(commits []Commit) Bump {
	bump := BumpNone
	for _, c := range commits {
		if b := c.bump(); b > bump {
			bump = b
		}
	}
	return bump
}

// Changelog renders the release notes for commits, newest first.
func Changelog(version string, commits []Commit) string {
	sections := []struct {
		title string
		match func(Commit) bool
	}{
		{"Breaking Changes", func(c Commit) bool { return c.Breaking }},
		{"Features", func(c Commit) bool { return !c.Breaking && c.Type == "feat" }},
		{"Bug Fixes", func(c Commit) bool { return !c.Breaking && (c.Type == "fix" || c.Type == "perf") }},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", version)
	for _, s := range sections {
		var entries []string
		for _, c := range commits {
			if !s.match(c) {
				continue
			}
			entry := c.Description
			if c.Scope != "" {
				entry = fmt.Sprintf("**%s**: %s", c.Scope, entry)
			}
			if len(c.Hash) >= 7 {
				entry = fmt.Sprintf("%s (%s)", entry, c.Hash[:7])
			}
			entries = append(entries, "- "+entry)
		}
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", s.title, strings.Join(entries, "\n"))
	}
	return b.String()
}
