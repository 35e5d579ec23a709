// Package changelist keeps a Perforce pending changelist in step with a git branch.
package changelist

import (
	"fmt"
	"regexp"

	"github.com/emicklei/dot"

	"github.com/rcowham/gitp4sync/diff"
)

// Plan - the sets derived during one synchronization run
type Plan struct {
	Changelist string
	Base       string // git ref the diff was taken from
	Head       string // commit id content is copied from
	Reference  string // pinned changelist number, "" syncs to head
	Diff       []diff.FileChange
	Target     []diff.FileChange // open in Changelist, refreshed after reverting
	All        []diff.FileChange // open in any pending changelist
	Revert     []diff.FileChange
	Missing    []diff.FileChange
	Reopen     []diff.FileChange
	Resync     []string
}

// Revision returns the Perforce revision specifier matching the git base
func (p *Plan) Revision() string {
	if p.Reference != "" {
		return "@" + p.Reference
	}
	return "#head"
}

// changeKeys indexes changes by changelist independent key. A rename also
// accounts for the delete half Perforce opens for its source.
func changeKeys(changes []diff.FileChange) map[string]diff.FileChange {
	keys := make(map[string]diff.FileChange, len(changes))
	for _, fc := range changes {
		keys[fc.Key()] = fc
		if fc.Type == diff.Renamed {
			keys[diff.NewMoveChange(diff.DeletedAfterRename, fc.LastPath, fc.FirstPath).Key()] = fc
		}
	}
	return keys
}

// subtract returns the changes in a whose key is not in b
func subtract(a, b []diff.FileChange) []diff.FileChange {
	keys := changeKeys(b)
	out := make([]diff.FileChange, 0)
	for _, fc := range a {
		if _, ok := keys[fc.Key()]; !ok {
			out = append(out, fc)
		}
	}
	return out
}

func inChangelist(changes []diff.FileChange, cl string) []diff.FileChange {
	out := make([]diff.FileChange, 0)
	for _, fc := range changes {
		if fc.ChangelistID == cl {
			out = append(out, fc)
		}
	}
	return out
}

func notInChangelist(changes []diff.FileChange, cl string) []diff.FileChange {
	out := make([]diff.FileChange, 0)
	for _, fc := range changes {
		if fc.ChangelistID != cl {
			out = append(out, fc)
		}
	}
	return out
}

// filterIgnored drops changes with any path matching one of the patterns
func filterIgnored(changes []diff.FileChange, ignore []*regexp.Regexp) []diff.FileChange {
	if len(ignore) == 0 {
		return changes
	}
	out := make([]diff.FileChange, 0, len(changes))
	for _, fc := range changes {
		if !ignored(fc.Paths(), ignore) {
			out = append(out, fc)
		}
	}
	return out
}

func ignored(paths []string, ignore []*regexp.Regexp) bool {
	for _, p := range paths {
		for _, re := range ignore {
			if re.MatchString(p) {
				return true
			}
		}
	}
	return false
}

// existingPath is the path a change has in the depot before it is applied,
// "" for new files
func existingPath(fc diff.FileChange) string {
	switch fc.Type {
	case diff.Added, diff.AddedAndModified:
		return ""
	case diff.Renamed, diff.Copied:
		return fc.FirstPath
	}
	return fc.LastPath
}

func existingPaths(changes []diff.FileChange) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(changes))
	for _, fc := range changes {
		if p := existingPath(fc); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func lastPaths(changes []diff.FileChange) []string {
	out := make([]string, 0, len(changes))
	for _, fc := range changes {
		out = append(out, fc.LastPath)
	}
	return out
}

// Graph renders the plan as a Graphviz digraph: the changelist, each file in
// the git diff, and the action planned for it
func (p *Plan) Graph() string {
	g := dot.NewGraph(dot.Directed)
	cl := g.Node(fmt.Sprintf("changelist %s", p.Changelist))
	cl.Attr("shape", "box")
	nodes := make(map[string]dot.Node)
	node := func(fc diff.FileChange) dot.Node {
		label := fc.InChangelist("").String()
		if n, ok := nodes[label]; ok {
			return n
		}
		n := g.Node(label)
		nodes[label] = n
		return n
	}
	missing := changeKeys(p.Missing)
	for _, fc := range p.Diff {
		if _, ok := missing[fc.Key()]; ok {
			g.Edge(node(fc), cl, "open")
		} else {
			g.Edge(node(fc), cl, "ok")
		}
	}
	for _, fc := range p.Reopen {
		g.Edge(node(fc), cl, "reopen from "+fc.ChangelistID)
	}
	for _, fc := range p.Revert {
		n := node(fc)
		n.Attr("style", "dashed")
		g.Edge(cl, n, "revert")
	}
	for _, path := range p.Resync {
		g.Edge(g.Node(path), cl, "resync")
	}
	return g.String()
}
