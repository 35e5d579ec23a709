// Package convert rewrites diffs between git and Perforce syntax.
package convert

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// UnmappedPathError - a path which is not under the mapped depot or client root
type UnmappedPathError struct {
	Path string
	Root string
}

func (e *UnmappedPathError) Error() string {
	return fmt.Sprintf("path %s is not under %s", e.Path, e.Root)
}

// Mapping relates git relative paths to depot paths and local workspace paths.
// DepotRoot is like //depot/project, ClientRoot the local directory it is synced to.
type Mapping struct {
	DepotRoot  string
	ClientRoot string
}

// NewMapping normalises trailing separators
func NewMapping(depotRoot, clientRoot string) Mapping {
	depotRoot = strings.TrimSuffix(strings.TrimSuffix(depotRoot, "/..."), "/")
	if clientRoot != "" {
		clientRoot = filepath.Clean(clientRoot)
	}
	return Mapping{DepotRoot: depotRoot, ClientRoot: clientRoot}
}

// DepotPath returns //depot/root/<rel>
func (m Mapping) DepotPath(rel string) string {
	return m.DepotRoot + "/" + strings.TrimPrefix(rel, "/")
}

// DepotWildcard returns the depot root with the ... wildcard
func (m Mapping) DepotWildcard() string {
	return m.DepotRoot + "/..."
}

// LocalPath returns the workspace file for rel
func (m Mapping) LocalPath(rel string) string {
	return filepath.Join(m.ClientRoot, filepath.FromSlash(rel))
}

// RelativeFromDepot converts a depot path (revision specifiers stripped) to a git path
func (m Mapping) RelativeFromDepot(depotPath string) (string, error) {
	p := stripRevision(depotPath)
	prefix := m.DepotRoot + "/"
	if m.DepotRoot == "" || !strings.HasPrefix(p, prefix) || len(p) == len(prefix) {
		return "", &UnmappedPathError{Path: depotPath, Root: m.DepotRoot}
	}
	return path.Clean(p[len(prefix):]), nil
}

// RelativeFromLocal converts a local workspace path to a git path
func (m Mapping) RelativeFromLocal(localPath string) (string, error) {
	if m.ClientRoot == "" {
		return "", &UnmappedPathError{Path: localPath, Root: m.ClientRoot}
	}
	rel, err := filepath.Rel(m.ClientRoot, filepath.FromSlash(localPath))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", &UnmappedPathError{Path: localPath, Root: m.ClientRoot}
	}
	return filepath.ToSlash(rel), nil
}

// Relative accepts either a depot path or a local path
func (m Mapping) Relative(p string) (string, error) {
	if strings.HasPrefix(p, "//") {
		return m.RelativeFromDepot(p)
	}
	return m.RelativeFromLocal(p)
}

func stripRevision(p string) string {
	if i := strings.IndexAny(p, "#@"); i >= 0 {
		return p[:i]
	}
	return p
}
