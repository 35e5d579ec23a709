package changelist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
	"github.com/rcowham/gitp4sync/scm"
)

const gitModify = `diff --git a/src/A.java b/src/A.java
index 3bd1f0e..5716ca5 100644
--- a/src/A.java
+++ b/src/A.java
@@ -1,2 +1,2 @@
 foo
-bar
+baz
`

const gitRename = `diff --git a/old/X.java b/new/X.java
similarity index 100%
rename from old/X.java
rename to new/X.java
`

const gitAddExec = `diff --git a/bin/run.sh b/bin/run.sh
new file mode 100755
index 0000000..1111111
--- /dev/null
+++ b/bin/run.sh
@@ -0,0 +1,2 @@
+#!/bin/sh
+echo hi
`

const gitAddSymlink = `diff --git a/bin/run b/bin/run
new file mode 120000
index 0000000..1111111
--- /dev/null
+++ b/bin/run
@@ -0,0 +1 @@
+run.sh
\ No newline at end of file
`

const gitDelete = `diff --git a/gone.txt b/gone.txt
deleted file mode 100644
index 257cc56..0000000
--- a/gone.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-first
-second
`

const gitVendor = `diff --git a/vendor/lib.go b/vendor/lib.go
new file mode 100644
index 0000000..2222222
--- /dev/null
+++ b/vendor/lib.go
@@ -0,0 +1 @@
+package lib
`

type harness struct {
	git  *fakeGit
	p4   *fakePerforce
	fs   afero.Fs
	opts Options
}

func newHarness(gitDiff, cl string) *harness {
	g := newFakeGit(gitDiff)
	return &harness{
		git:  g,
		p4:   newFakePerforce(g),
		fs:   afero.NewMemMapFs(),
		opts: Options{Changelist: cl, SyncToLatest: true, Mapping: testMapping},
	}
}

func (h *harness) run(t *testing.T) (*Result, error) {
	s := NewSynchronizer(createLogger(), h.git, h.p4, h.fs, h.opts)
	return s.Run(context.Background())
}

func TestStrayEditReverted(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/A.java"), "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/B.java"), "12")

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"revert src/B.java"}, h.p4.called("revert"))
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/A.java").InChangelist("12")}, res.Changes)
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/B.java").InChangelist("12")}, res.Plan.Revert)
	assert.Empty(t, res.Plan.Missing)

	content, err := afero.ReadFile(h.fs, "/ws/src/A.java")
	require.NoError(t, err)
	assert.Equal(t, "content of src/A.java\n", string(content))

	graph := res.Plan.Graph()
	assert.Contains(t, graph, "digraph")
	assert.Contains(t, graph, "revert")
	assert.Contains(t, graph, "changelist 12")
}

func TestRenameOpenedAsMove(t *testing.T) {
	h := newHarness(gitRename, "")
	require.NoError(t, afero.WriteFile(h.fs, "/ws/old/X.java", []byte("class X {}\n"), 0444))
	h.git.blobs["new/X.java"] = &scm.Blob{Path: "new/X.java", Content: []byte("class X {}\n")}

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, "100", res.Changelist)
	assert.Equal(t, []string{"change Synced from git"}, h.p4.called("change"))
	assert.Equal(t, []string{"sync old/X.java #head"}, h.p4.called("sync"))
	assert.Equal(t, []string{"edit 100 old/X.java"}, h.p4.called("edit"))
	assert.Equal(t, []string{"move 100 old/X.java new/X.java"}, h.p4.called("move"))
	assert.Contains(t, res.Changes, diff.FileChange{
		Type: diff.Renamed, FirstPath: "old/X.java", LastPath: "new/X.java", ChangelistID: "100",
	})

	exists, err := afero.Exists(h.fs, "/ws/old/X.java")
	require.NoError(t, err)
	assert.False(t, exists)
	content, err := afero.ReadFile(h.fs, "/ws/new/X.java")
	require.NoError(t, err)
	assert.Equal(t, "class X {}\n", string(content))
}

func TestOpenInOtherChangelistReassigned(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/A.java"), "7")

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"reopen 12 src/A.java"}, h.p4.called("reopen"))
	assert.Empty(t, h.p4.called("edit"))
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/A.java").InChangelist("7")}, res.Plan.Reopen)
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/A.java").InChangelist("12")}, res.Changes)
}

func TestOpenElsewhereWithOtherAction(t *testing.T) {
	h := newHarness(gitDelete, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "gone.txt"), "7")

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"reopen 12 gone.txt"}, h.p4.called("reopen"))
	assert.Equal(t, []string{"revert gone.txt"}, h.p4.called("revert"))
	assert.Equal(t, []string{"delete 12 gone.txt"}, h.p4.called("delete"))
	assert.Equal(t, []string{"gone.txt"}, res.Plan.Resync)
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Deleted, "gone.txt").InChangelist("12")}, res.Changes)
}

func TestAddExecutable(t *testing.T) {
	h := newHarness(gitAddExec, "12")
	h.git.blobs["bin/run.sh"] = &scm.Blob{Path: "bin/run.sh", Content: []byte("#!/bin/sh\necho hi\n"), Executable: true}

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"add 12 text+x bin/run.sh"}, h.p4.called("add"))
	assert.Equal(t, "text+x", h.p4.addTypes["bin/run.sh"])
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Added, "bin/run.sh").InChangelist("12")}, res.Changes)
	assert.Equal(t, []string{"sync #head"}, h.p4.called("sync"))

	info, err := h.fs.Stat("/ws/bin/run.sh")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestAddSymlink(t *testing.T) {
	h := newHarness(gitAddSymlink, "12")
	h.git.blobs["bin/run"] = &scm.Blob{Path: "bin/run", Content: []byte("run.sh"), Symlink: true}

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"add 12 symlink bin/run"}, h.p4.called("add"))
	assert.Equal(t, "symlink", h.p4.addTypes["bin/run"])
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Added, "bin/run").InChangelist("12")}, res.Changes)

	// no symlink support in memory, so the target becomes the content
	content, err := afero.ReadFile(h.fs, "/ws/bin/run")
	require.NoError(t, err)
	assert.Equal(t, "run.sh", string(content))
}

func TestAddSymlinkOnDisk(t *testing.T) {
	root := t.TempDir()
	h := newHarness(gitAddSymlink, "12")
	h.fs = afero.NewOsFs()
	h.opts.Mapping = convert.NewMapping("//depot/proj", root)
	h.p4.mapping = h.opts.Mapping
	h.git.blobs["bin/run"] = &scm.Blob{Path: "bin/run", Content: []byte("run.sh"), Symlink: true}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "run"), []byte("stale"), 0644))

	_, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, "symlink", h.p4.addTypes["bin/run"])
	target, err := os.Readlink(filepath.Join(root, "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, "run.sh", target)
}

func TestDelete(t *testing.T) {
	h := newHarness(gitDelete, "12")
	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete 12 gone.txt"}, h.p4.called("delete"))
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Deleted, "gone.txt").InChangelist("12")}, res.Changes)
	exists, _ := afero.Exists(h.fs, "/ws/gone.txt")
	assert.False(t, exists)
}

func TestPinnedToLastSubmitted(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.opts.SyncToLatest = false
	h.git.pinCommit, h.git.pinChange = "abc", "4321"

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, "4321", res.Plan.Reference)
	assert.Equal(t, "abc..headsha", h.git.diffCalls[0])
	assert.Equal(t, []string{"sync src/A.java @4321"}, h.p4.called("sync"))
}

func TestLatestUsesUpstream(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.git.pinCommit, h.git.pinChange = "abc", "4321"
	_, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, "origin/main..headsha", h.git.diffCalls[0])
	assert.Equal(t, []string{"sync src/A.java #head"}, h.p4.called("sync"))
}

func TestStaleFilesResynced(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/A.java"), "12")
	h.p4.stale["src/A.java"] = true

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/A.java"}, res.Plan.Resync)
	assert.Equal(t, []string{"revert src/A.java"}, h.p4.called("revert"))
	assert.Equal(t, []string{"sync src/A.java #head", "sync src/A.java #head"}, h.p4.called("sync"))
	assert.Equal(t, []string{"edit 12 src/A.java"}, h.p4.called("edit"))
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/A.java")}, res.Plan.Missing)
}

func TestIgnorePaths(t *testing.T) {
	h := newHarness(gitModify+gitVendor, "12")
	h.opts.IgnorePaths = []*regexp.Regexp{regexp.MustCompile(`^vendor/`)}
	res, err := h.run(t)
	require.NoError(t, err)
	assert.Empty(t, h.p4.called("add"))
	assert.Equal(t, []diff.FileChange{diff.NewFileChange(diff.Modified, "src/A.java")}, res.Plan.Diff)
}

func TestDirtyTreeOnlyWarns(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.git.status = []diff.FileChange{diff.NewFileChange(diff.Modified, "scratch.txt")}
	_, err := h.run(t)
	assert.NoError(t, err)
}

func TestConversionFailureBeforePerforce(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.opts.Mapping.DepotRoot = ""
	_, err := h.run(t)
	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, DiffComputation, stateErr.State)
	assert.Empty(t, h.p4.calls)
}

func TestStateFailures(t *testing.T) {
	for op, state := range map[string]State{
		"sync":   RevisionSync,
		"revert": StrayRevert,
		"edit":   EditOpening,
		"move":   StructuralOps,
	} {
		h := newHarness(gitRename, "12")
		h.p4.open(diff.NewFileChange(diff.Modified, "src/B.java"), "12")
		h.p4.failOn[op] = errInjected
		_, err := h.run(t)
		var stateErr *StateError
		require.True(t, errors.As(err, &stateErr), op)
		assert.Equal(t, state, stateErr.State, op)
		assert.True(t, errors.Is(err, errInjected), op)
		assert.Contains(t, err.Error(), state.String()+" failed")
	}
}

func TestVerificationFailure(t *testing.T) {
	h := newHarness(gitModify, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/B.java"), "12")
	h.p4.sticky["src/B.java"] = true

	_, err := h.run(t)
	var stateErr *StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, Verification, stateErr.State)
	var report *diff.DivergenceReport
	require.True(t, errors.As(err, &report))
	assert.True(t, report.IsFileSetDivergence())
	assert.Equal(t, []string{"src/B.java"}, report.OnlyInSecond)
}

func TestVerify(t *testing.T) {
	h := newHarness(gitModify+gitDelete, "12")
	h.p4.open(diff.NewFileChange(diff.Modified, "src/A.java"), "12")
	s := NewSynchronizer(createLogger(), h.git, h.p4, h.fs, h.opts)

	report, err := s.Verify(context.Background(), "12")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{"gone.txt"}, report.OnlyInFirst)

	h.p4.open(diff.NewFileChange(diff.Deleted, "gone.txt"), "12")
	report, err = s.Verify(context.Background(), "12")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestPlanSets(t *testing.T) {
	d := []diff.FileChange{
		diff.NewMoveChange(diff.Renamed, "old/X.java", "new/X.java"),
		diff.NewFileChange(diff.AddedAndModified, "docs/new.txt"),
	}
	opened := []diff.FileChange{
		diff.NewMoveChange(diff.Renamed, "old/X.java", "new/X.java").InChangelist("12"),
		diff.NewMoveChange(diff.DeletedAfterRename, "new/X.java", "old/X.java").InChangelist("12"),
		diff.NewFileChange(diff.Added, "docs/new.txt").InChangelist("12"),
	}
	assert.Empty(t, subtract(opened, d))
	assert.Empty(t, subtract(d, opened))
	assert.Equal(t, []string{"old/X.java"}, existingPaths(d))

	p := &Plan{}
	assert.Equal(t, "#head", p.Revision())
	p.Reference = "9"
	assert.Equal(t, "@9", p.Revision())
	assert.Equal(t, "revision sync", RevisionSync.String())
}
