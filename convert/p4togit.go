package convert

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pkg/errors"

	"github.com/rcowham/gitp4sync/diff"
)

var (
	// p4 diff: ==== //depot/path#3 - /ws/path ==== with an optional (type) suffix
	p4DiffHeaderRe = regexp.MustCompile(`^==== (//.+?)#(\S+) - (.+?) ====(?:\s*\((\S+)\))?`)
	// p4 describe: ==== //depot/path#3 (text) ====
	p4DescribeHeaderRe = regexp.MustCompile(`^==== (//.+?)#(\S+) \((\S+)\) ====`)
	// p4 diff -du: --- //depot/path<TAB>date
	p4OldFileRe = regexp.MustCompile(`^--- (//[^\t]+)`)
	p4NewFileRe = regexp.MustCompile(`^\+\+\+ ([^\t]+)`)
	// ... //depot/path#3 edit
	p4AffectedRe = regexp.MustCompile(`^\.\.\. (//.+?)#(\S+) (\S+)`)
)

// PerforceToGit rewrites Perforce describe/diff output into canonical git syntax
type PerforceToGit struct {
	Mapping Mapping
}

type p4Section struct {
	left, right string // depot path, local or depot path
	rev         string
	fileType    string
	binary      bool
	frags       fragmentBuilder
	fragments   []*gitdiff.TextFragment
}

type p4Affected struct {
	depotPath string
	rev       string
	action    string
	used      bool
}

type p4Entry struct {
	change diff.FileChange
	file   *gitdiff.File
}

// Convert parses p4Diff and renders it as a git diff
func (p *PerforceToGit) Convert(p4Diff string) (*Conversion, error) {
	var desc []string
	affected := make([]*p4Affected, 0)
	byDepot := make(map[string]*p4Affected)
	sections := make([]*p4Section, 0)
	var cur *p4Section

	closeSection := func() {
		if cur != nil {
			cur.fragments = cur.frags.fragments()
			cur = nil
		}
	}
	inPreamble := true
	// Hunk lines keep any \r so CRLF content compares equal with git. Only
	// header and preamble lines are matched without it.
	for _, raw := range strings.Split(p4Diff, "\n") {
		if cur != nil {
			// describe output may indent section bodies with a tab
			raw = strings.TrimPrefix(raw, "\t")
			ok, err := cur.frags.add(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "reading hunk for %s", cur.left)
			}
			if ok {
				continue
			}
		}
		line := strings.TrimSuffix(raw, "\r")
		switch {
		case strings.HasPrefix(line, "Affected files ..."), strings.HasPrefix(line, "Differences ..."):
			inPreamble = false
			closeSection()
		case inPreamble && strings.HasPrefix(line, "\t"):
			desc = append(desc, strings.TrimPrefix(line, "\t"))
		case p4AffectedRe.MatchString(line):
			m := p4AffectedRe.FindStringSubmatch(line)
			a := &p4Affected{depotPath: m[1], rev: m[2], action: m[3]}
			affected = append(affected, a)
			byDepot[a.depotPath] = a
		case p4DiffHeaderRe.MatchString(line):
			closeSection()
			inPreamble = false
			m := p4DiffHeaderRe.FindStringSubmatch(line)
			cur = &p4Section{left: m[1], rev: m[2], right: m[3], fileType: m[4]}
			cur.binary = isBinaryType(m[4])
			sections = append(sections, cur)
		case p4DescribeHeaderRe.MatchString(line):
			closeSection()
			inPreamble = false
			m := p4DescribeHeaderRe.FindStringSubmatch(line)
			cur = &p4Section{left: m[1], rev: m[2], right: m[1], fileType: m[3]}
			cur.binary = isBinaryType(m[3])
			sections = append(sections, cur)
		case p4OldFileRe.MatchString(line):
			depot := p4OldFileRe.FindStringSubmatch(line)[1]
			if cur == nil || len(cur.frags.frags) > 0 || stripRevision(cur.left) != stripRevision(depot) {
				closeSection()
				cur = &p4Section{left: stripRevision(depot), right: stripRevision(depot)}
				sections = append(sections, cur)
			}
			inPreamble = false
		case p4NewFileRe.MatchString(line):
			if cur != nil && len(cur.frags.frags) == 0 {
				right := p4NewFileRe.FindStringSubmatch(line)[1]
				if right != "/dev/null" {
					cur.right = strings.TrimSpace(right)
				}
			}
		case strings.HasPrefix(line, "Binary files"):
			if cur != nil {
				cur.binary = true
			}
		}
	}
	closeSection()

	entries, err := p.buildEntries(sections, affected, byDepot)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].change.LastPath < entries[j].change.LastPath
	})
	conv := &Conversion{
		Changes:     make([]diff.FileChange, 0, len(entries)),
		Description: strings.TrimSpace(strings.Join(desc, "\n")),
	}
	files := make([]*gitdiff.File, 0, len(entries))
	for _, e := range entries {
		conv.Changes = append(conv.Changes, e.change)
		if e.file != nil {
			files = append(files, e.file)
		}
	}
	conv.Diff = RenderGit(files)
	return conv, nil
}

func isBinaryType(fileType string) bool {
	return strings.Contains(fileType, "binary") || strings.Contains(fileType, "apple") ||
		strings.Contains(fileType, "resource")
}

func (p *PerforceToGit) buildEntries(sections []*p4Section, affected []*p4Affected, byDepot map[string]*p4Affected) ([]p4Entry, error) {
	entries := make([]p4Entry, 0, len(sections)+len(affected))
	for _, s := range sections {
		first, err := p.Mapping.Relative(s.left)
		if err != nil {
			return nil, errors.Wrap(err, "mapping perforce diff header")
		}
		last, err := p.Mapping.Relative(s.right)
		if err != nil {
			return nil, errors.Wrap(err, "mapping perforce diff header")
		}
		action := ""
		if a, ok := byDepot[p.Mapping.DepotPath(last)]; ok {
			action = a.action
			a.used = true
		}
		if a, ok := byDepot[stripRevision(s.left)]; ok {
			if action == "" {
				action = a.action
			}
			a.used = true
		}
		fc := classify(action, s.rev, first, last, s.fragments)
		if fc.Type == diff.Renamed && fc.FirstPath == "" {
			if partner := pairMove(affected, last); partner != nil {
				if fc.FirstPath, err = p.Mapping.Relative(partner.depotPath); err != nil {
					return nil, errors.Wrap(err, "mapping move source")
				}
			} else {
				fc = diff.NewFileChange(diff.Added, last)
			}
		}
		entries = append(entries, p4Entry{change: fc, file: gitFile(fc, s.binary, s.fragments)})
		if fc.Type == diff.Renamed {
			entries = append(entries, p4Entry{change: diff.NewMoveChange(diff.DeletedAfterRename, fc.LastPath, fc.FirstPath)})
			if a, ok := byDepot[p.Mapping.DepotPath(fc.FirstPath)]; ok {
				a.used = true
			}
		}
	}
	// Affected files without a diff section, eg deletes or unchanged edits in describe output
	for _, a := range affected {
		if a.used || a.action == "move/delete" {
			continue
		}
		rel, err := p.Mapping.RelativeFromDepot(a.depotPath)
		if err != nil {
			return nil, errors.Wrap(err, "mapping affected file")
		}
		a.used = true
		fc := classify(a.action, a.rev, rel, rel, nil)
		if fc.Type == diff.Renamed {
			partner := pairMove(affected, rel)
			if partner == nil {
				fc = diff.NewFileChange(diff.Added, rel)
			} else if fc.FirstPath, err = p.Mapping.RelativeFromDepot(partner.depotPath); err != nil {
				return nil, errors.Wrap(err, "mapping move source")
			}
		}
		entries = append(entries, p4Entry{change: fc, file: gitFile(fc, false, nil)})
		if fc.Type == diff.Renamed {
			entries = append(entries, p4Entry{change: diff.NewMoveChange(diff.DeletedAfterRename, fc.LastPath, fc.FirstPath)})
		}
	}
	// Unpaired move/deletes are reported as plain deletes
	for _, a := range affected {
		if a.action != "move/delete" || a.used {
			continue
		}
		rel, err := p.Mapping.RelativeFromDepot(a.depotPath)
		if err != nil {
			return nil, errors.Wrap(err, "mapping affected file")
		}
		fc := diff.NewFileChange(diff.Deleted, rel)
		entries = append(entries, p4Entry{change: fc, file: gitFile(fc, false, nil)})
	}
	return entries, nil
}

// classify works out the change type from the Perforce action when known, otherwise
// from the header and hunks
func classify(action, rev, first, last string, frags []*gitdiff.TextFragment) diff.FileChange {
	switch action {
	case "add", "branch", "import":
		return diff.NewFileChange(diff.Added, last)
	case "delete", "purge", "archive":
		return diff.NewFileChange(diff.Deleted, first)
	case "move/add":
		if first != last {
			return diff.NewMoveChange(diff.Renamed, first, last)
		}
		return diff.FileChange{Type: diff.Renamed, LastPath: last}
	case "edit", "integrate":
		if first != last {
			return diff.NewMoveChange(diff.Renamed, first, last)
		}
		return diff.NewFileChange(diff.Modified, last)
	}
	switch {
	case rev == "none":
		return diff.NewFileChange(diff.Added, last)
	case first != last:
		return diff.NewMoveChange(diff.Renamed, first, last)
	case deletesWholeFile(frags):
		return diff.NewFileChange(diff.Deleted, first)
	}
	return diff.NewFileChange(diff.Modified, last)
}

func deletesWholeFile(frags []*gitdiff.TextFragment) bool {
	if len(frags) != 1 {
		return false
	}
	f := frags[0]
	return f.NewPosition == 0 && f.NewLines == 0 && f.OldLines > 0
}

// pairMove finds the move/delete partner for a move/add of last: the only unused
// move/delete, or the one with the same file name
func pairMove(affected []*p4Affected, last string) *p4Affected {
	candidates := make([]*p4Affected, 0)
	for _, a := range affected {
		if a.action == "move/delete" && !a.used {
			candidates = append(candidates, a)
		}
	}
	var found *p4Affected
	if len(candidates) == 1 {
		found = candidates[0]
	} else {
		for _, a := range candidates {
			if path.Base(stripRevision(a.depotPath)) == path.Base(last) {
				found = a
				break
			}
		}
	}
	if found != nil {
		found.used = true
	}
	return found
}

// gitFile builds the go-gitdiff representation for one change. Deletes carry no hunks.
func gitFile(fc diff.FileChange, binary bool, frags []*gitdiff.TextFragment) *gitdiff.File {
	f := &gitdiff.File{IsBinary: binary, TextFragments: frags}
	switch fc.Type {
	case diff.Added, diff.AddedAndModified:
		f.IsNew = true
		f.NewName = fc.LastPath
	case diff.Deleted:
		f.IsDelete = true
		f.OldName = fc.LastPath
		f.TextFragments = nil
	case diff.Renamed:
		f.IsRename = true
		f.OldName, f.NewName = fc.FirstPath, fc.LastPath
	case diff.Copied:
		f.IsCopy = true
		f.OldName, f.NewName = fc.FirstPath, fc.LastPath
	case diff.DeletedAfterRename:
		return nil
	default:
		f.OldName, f.NewName = fc.LastPath, fc.LastPath
	}
	return f
}
