package convert

import (
	"fmt"
	"path"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pkg/errors"

	"github.com/rcowham/gitp4sync/diff"
)

// Conversion - a rewritten diff and the file changes found while rewriting it
type Conversion struct {
	Diff        string
	Changes     []diff.FileChange
	Description string // changelist description, Perforce input only
}

// GitToPerforce rewrites git diffs into Perforce diff syntax.
// Revisions gives the depot revision of each git path at the reference point.
// When a path has no entry the pinned changelist Reference is used (path@N),
// and when that is empty the head revision.
type GitToPerforce struct {
	Mapping   Mapping
	Revisions map[string]int
	Reference string
}

// BaseRevision returns the revision specifier for rel
func (g *GitToPerforce) BaseRevision(rel string) string {
	if rev, ok := g.Revisions[rel]; ok && rev > 0 {
		return fmt.Sprintf("#%d", rev)
	}
	if g.Reference != "" {
		return "@" + g.Reference
	}
	return "#head"
}

func (g *GitToPerforce) checkPath(rel string) error {
	clean := path.Clean(rel)
	if g.Mapping.DepotRoot == "" || rel == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return &UnmappedPathError{Path: rel, Root: g.Mapping.DepotRoot}
	}
	return nil
}

func (g *GitToPerforce) target(rel string) string {
	if g.Mapping.ClientRoot == "" {
		return g.Mapping.DepotPath(rel)
	}
	return g.Mapping.LocalPath(rel)
}

// Convert rewrites gitDiff. Any path that cannot be mapped fails the whole conversion.
func (g *GitToPerforce) Convert(gitDiff string) (*Conversion, error) {
	files, err := ParseGitDiff(gitDiff)
	if err != nil {
		return nil, err
	}
	conv := &Conversion{Changes: make([]diff.FileChange, 0, len(files))}
	var affected, sections strings.Builder
	for _, f := range files {
		fc := FileChangeFromGit(f)
		for _, p := range fc.Paths() {
			if err := g.checkPath(p); err != nil {
				return nil, errors.Wrapf(err, "converting %s", fc)
			}
		}
		conv.Changes = append(conv.Changes, fc)

		src := fc.LastPath
		if fc.FirstPath != "" {
			src = fc.FirstPath
		}
		srcRev := g.BaseRevision(src)
		switch fc.Type {
		case diff.Added, diff.Copied:
			srcRev = "#none"
			src = fc.LastPath
			fmt.Fprintf(&affected, "... %s#none add\n", g.Mapping.DepotPath(fc.LastPath))
		case diff.Deleted:
			fmt.Fprintf(&affected, "... %s%s delete\n", g.Mapping.DepotPath(src), srcRev)
		case diff.Renamed:
			fmt.Fprintf(&affected, "... %s#none move/add\n", g.Mapping.DepotPath(fc.LastPath))
			fmt.Fprintf(&affected, "... %s%s move/delete\n", g.Mapping.DepotPath(src), srcRev)
		default:
			fmt.Fprintf(&affected, "... %s%s edit\n", g.Mapping.DepotPath(src), srcRev)
		}
		writePerforceSection(&sections, g.Mapping.DepotPath(src)+srcRev, g.target(fc.LastPath), f)
	}
	var b strings.Builder
	if len(files) > 0 {
		b.WriteString("Affected files ...\n\n")
		b.WriteString(affected.String())
		b.WriteString("\nDifferences ...\n\n")
		b.WriteString(sections.String())
	}
	conv.Diff = b.String()
	return conv, nil
}

func writePerforceSection(b *strings.Builder, left, right string, f *gitdiff.File) {
	fmt.Fprintf(b, "==== %s - %s ====\n", left, right)
	if f.IsBinary {
		b.WriteString("Binary files differ\n")
	}
	for _, frag := range f.TextFragments {
		writeFragment(b, frag)
	}
	b.WriteString("\n")
}
