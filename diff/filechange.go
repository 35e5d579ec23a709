package diff

import (
	"fmt"
	"sort"
)

// ChangeType - kind of file level change found in a diff or status output
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Deleted
	Renamed
	Copied
	AddedAndModified
	DeletedAfterRename
)

var changeTypeNames = map[ChangeType]string{
	Added:              "added",
	Modified:           "modified",
	Deleted:            "deleted",
	Renamed:            "renamed",
	Copied:             "copied",
	AddedAndModified:   "addedAndModified",
	DeletedAfterRename: "deletedAfterRename",
}

func (t ChangeType) String() string {
	if s, ok := changeTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// IsStructural is true for changes which alter the path structure of the tree
// (adds, deletes, renames, copies) rather than only file content.
func (t ChangeType) IsStructural() bool {
	return t != Modified
}

// IsDelete is true for both plain deletes and the delete half of a rename.
func (t ChangeType) IsDelete() bool {
	return t == Deleted || t == DeletedAfterRename
}

// FileChange - one file level change.
// LastPath is always set. FirstPath is only set when the change has a distinct
// origin (rename/copy source, or the renamed-to path for DeletedAfterRename).
type FileChange struct {
	Type         ChangeType
	FirstPath    string
	LastPath     string
	ChangelistID string // Perforce pending changelist, "" when not opened
}

// NewFileChange creates a change for a single path
func NewFileChange(t ChangeType, path string) FileChange {
	return FileChange{Type: t, LastPath: path}
}

// NewMoveChange creates a rename or copy from src to dst
func NewMoveChange(t ChangeType, src, dst string) FileChange {
	return FileChange{Type: t, FirstPath: src, LastPath: dst}
}

// Path returns the semantic path of the change
func (fc FileChange) Path() string {
	return fc.LastPath
}

// Paths returns every path touched by the change, origin first
func (fc FileChange) Paths() []string {
	if fc.FirstPath != "" && fc.FirstPath != fc.LastPath {
		return []string{fc.FirstPath, fc.LastPath}
	}
	return []string{fc.LastPath}
}

// Key identifies the change independently of the changelist it is opened in.
// AddedAndModified shares the key of Added for its path, so either matches an add.
func (fc FileChange) Key() string {
	t := fc.Type
	if t == AddedAndModified {
		t = Added
	}
	if fc.FirstPath != "" {
		return fmt.Sprintf("%s:%s->%s", t, fc.FirstPath, fc.LastPath)
	}
	return fmt.Sprintf("%s:%s", t, fc.LastPath)
}

// InChangelist returns a copy associated with changelist id
func (fc FileChange) InChangelist(id string) FileChange {
	fc.ChangelistID = id
	return fc
}

func (fc FileChange) String() string {
	s := fc.Type.String() + ": "
	if fc.FirstPath != "" {
		s += fc.FirstPath + " -> "
	}
	s += fc.LastPath
	if fc.ChangelistID != "" {
		s += " (" + fc.ChangelistID + ")"
	}
	return s
}

// SortFileChanges orders changes by path so that plans and reports are stable
func SortFileChanges(changes []FileChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].LastPath != changes[j].LastPath {
			return changes[i].LastPath < changes[j].LastPath
		}
		return changes[i].FirstPath < changes[j].FirstPath
	})
}
