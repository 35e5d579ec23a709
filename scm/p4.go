package scm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
)

// PerforceOptions - connection and mapping settings for a Perforce handle
type PerforceOptions struct {
	Command string // configured p4 command line, may carry global flags
	Port    string
	User    string
	Client  string
	Mapping convert.Mapping
}

// Perforce - handle on one Perforce client workspace
type Perforce struct {
	logger  *logrus.Logger
	runner  Runner
	cmd     commandLine
	opts    PerforceOptions
	Mapping convert.Mapping
	fs      afero.Fs
}

// OpenedFile - a file open in a pending changelist as reported by fstat
type OpenedFile struct {
	DepotPath string
	LocalPath string
	Action    FileAction
	Change    string
	Rev       string
	Type      string
	MovedFile string
}

// NewPerforce creates a handle. fs is the filesystem holding the client workspace.
func NewPerforce(logger *logrus.Logger, runner Runner, fs afero.Fs, opts PerforceOptions) (*Perforce, error) {
	cmd, err := parseCommandLine(opts.Command, "p4")
	if err != nil {
		return nil, err
	}
	return &Perforce{logger: logger, runner: runner, cmd: cmd, opts: opts, Mapping: opts.Mapping, fs: fs}, nil
}

func (p *Perforce) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	global := make([]string, 0, 6)
	if p.opts.Port != "" {
		global = append(global, "-p", p.opts.Port)
	}
	if p.opts.User != "" {
		global = append(global, "-u", p.opts.User)
	}
	if p.opts.Client != "" {
		global = append(global, "-c", p.opts.Client)
	}
	return p.runner.Run(ctx, stdin, p.cmd.name, p.cmd.with(append(global, args...)...)...)
}

// isWarning is true for p4 messages which only report that nothing matched
func isWarning(err error) bool {
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	msg := execErr.Stderr + execErr.Stdout
	for _, w := range []string{"no such file(s)", "not opened on this client", "file(s) up-to-date", "file(s) not opened", "no file(s) to"} {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// runFiles runs a file command over paths, treating "nothing to do" warnings as success
func (p *Perforce) runFiles(ctx context.Context, what string, args []string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	p.logger.Debugf("p4 %s: %d files", what, len(paths))
	_, err := p.run(ctx, nil, append(args, paths...)...)
	if err != nil && !isWarning(err) {
		return errors.Wrapf(err, "p4 %s", what)
	}
	return nil
}

func (p *Perforce) depotPaths(rels []string, rev string) []string {
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, p.Mapping.DepotPath(r)+rev)
	}
	return out
}

// localOrDepot prefers workspace paths, which p4 add requires for new files
func (p *Perforce) localOrDepot(rel string) string {
	if p.Mapping.ClientRoot == "" {
		return p.Mapping.DepotPath(rel)
	}
	return p.Mapping.LocalPath(rel)
}

// OpenedFiles lists files open under the depot root. With change set only
// that changelist is listed, otherwise every pending changelist of the client.
func (p *Perforce) OpenedFiles(ctx context.Context, change string) ([]OpenedFile, error) {
	args := []string{"-ztag", "fstat", "-Ro"}
	if change != "" {
		args = append(args, "-e", change)
	}
	out, err := p.run(ctx, nil, append(args, p.Mapping.DepotWildcard())...)
	if err != nil {
		if isWarning(err) {
			return []OpenedFile{}, nil
		}
		return nil, errors.Wrap(err, "p4 fstat opened files")
	}
	files := make([]OpenedFile, 0)
	for _, r := range ParseZtag(out) {
		if !r.Has("depotFile") || !r.Has("action") {
			continue
		}
		rev := r["workRev"]
		if rev == "" {
			rev = r["haveRev"]
		}
		files = append(files, OpenedFile{
			DepotPath: r["depotFile"],
			LocalPath: r["clientFile"],
			Action:    ParseFileAction(r["action"]),
			Change:    r["change"],
			Rev:       rev,
			Type:      r["type"],
			MovedFile: r["movedFile"],
		})
	}
	return files, nil
}

// FileChange converts an opened file into a change relative to the depot root
func (p *Perforce) FileChange(f OpenedFile) (diff.FileChange, error) {
	rel, err := p.Mapping.RelativeFromDepot(f.DepotPath)
	if err != nil {
		return diff.FileChange{}, err
	}
	moved := ""
	if f.MovedFile != "" {
		if moved, err = p.Mapping.RelativeFromDepot(f.MovedFile); err != nil {
			return diff.FileChange{}, err
		}
	}
	var fc diff.FileChange
	switch f.Action {
	case Add, Branch:
		fc = diff.NewFileChange(diff.Added, rel)
	case Delete:
		fc = diff.NewFileChange(diff.Deleted, rel)
	case MoveAdd:
		fc = diff.NewMoveChange(diff.Renamed, moved, rel)
	case MoveDelete:
		fc = diff.NewMoveChange(diff.DeletedAfterRename, moved, rel)
	default:
		fc = diff.NewFileChange(diff.Modified, rel)
	}
	return fc.InChangelist(f.Change), nil
}

// Opened returns every change open in any pending changelist of the client
func (p *Perforce) Opened(ctx context.Context) ([]diff.FileChange, error) {
	files, err := p.OpenedFiles(ctx, "")
	if err != nil {
		return nil, err
	}
	changes := make([]diff.FileChange, 0, len(files))
	for _, f := range files {
		fc, err := p.FileChange(f)
		if err != nil {
			return nil, errors.Wrap(err, "mapping opened file")
		}
		changes = append(changes, fc)
	}
	diff.SortFileChanges(changes)
	return changes, nil
}

// Sync syncs paths to rev, eg #head or @1234
func (p *Perforce) Sync(ctx context.Context, paths []string, rev string) error {
	if rev == "" {
		rev = "#head"
	}
	return p.runFiles(ctx, "sync", []string{"sync"}, p.depotPaths(paths, rev))
}

// Revert reverts paths, restoring workspace content
func (p *Perforce) Revert(ctx context.Context, paths []string) error {
	return p.runFiles(ctx, "revert", []string{"revert"}, p.depotPaths(paths, ""))
}

// Reopen moves open paths into changelist cl
func (p *Perforce) Reopen(ctx context.Context, cl string, paths []string) error {
	return p.runFiles(ctx, "reopen", []string{"reopen", "-c", cl}, p.depotPaths(paths, ""))
}

// Edit opens paths for edit in cl
func (p *Perforce) Edit(ctx context.Context, cl string, paths []string) error {
	return p.runFiles(ctx, "edit", []string{"edit", "-c", cl}, p.depotPaths(paths, ""))
}

// Add opens new files for add in cl with the given file type
func (p *Perforce) Add(ctx context.Context, cl, fileType string, paths []string) error {
	args := []string{"add", "-c", cl}
	if fileType != "" {
		args = append(args, "-t", fileType)
	}
	files := make([]string, 0, len(paths))
	for _, r := range paths {
		files = append(files, p.localOrDepot(r))
	}
	return p.runFiles(ctx, "add", args, files)
}

// Delete opens paths for delete in cl
func (p *Perforce) Delete(ctx context.Context, cl string, paths []string) error {
	return p.runFiles(ctx, "delete", []string{"delete", "-c", cl}, p.depotPaths(paths, ""))
}

// Move renames an opened file on the server only, the workspace already holds the result
func (p *Perforce) Move(ctx context.Context, cl, from, to string) error {
	_, err := p.run(ctx, nil, "move", "-k", "-c", cl, p.Mapping.DepotPath(from), p.Mapping.DepotPath(to))
	if err != nil {
		return errors.Wrapf(err, "p4 move %s %s", from, to)
	}
	return nil
}

// Stale returns the paths whose workspace revision differs from the revision at
// rev, or which are open with unresolved integrations
func (p *Perforce) Stale(ctx context.Context, paths []string, rev string) ([]string, error) {
	if len(paths) == 0 {
		return []string{}, nil
	}
	if rev == "" {
		rev = "#head"
	}
	out, err := p.run(ctx, nil, append([]string{"-ztag", "fstat"}, p.depotPaths(paths, rev)...)...)
	if err != nil && !isWarning(err) {
		return nil, errors.Wrap(err, "p4 fstat")
	}
	stale := make([]string, 0)
	for _, r := range ParseZtag(out) {
		if !r.Has("depotFile") {
			continue
		}
		rel, err := p.Mapping.RelativeFromDepot(r["depotFile"])
		if err != nil {
			return nil, err
		}
		switch {
		case r.Has("unresolved"):
			stale = append(stale, rel)
		case r.Has("haveRev") && r.Has("headRev") && r["haveRev"] != r["headRev"] && r["headAction"] != "delete":
			stale = append(stale, rel)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// ChangeForm reads the spec of changelist cl, or a new one when cl is empty
func (p *Perforce) ChangeForm(ctx context.Context, cl string) (*ChangeForm, error) {
	args := []string{"change", "-o"}
	if cl != "" {
		args = append(args, cl)
	}
	out, err := p.run(ctx, nil, args...)
	if err != nil {
		return nil, errors.Wrap(err, "p4 change -o")
	}
	return ParseChangeForm(strings.NewReader(out))
}

// NewChangelist creates an empty pending changelist and returns its number
func (p *Perforce) NewChangelist(ctx context.Context, description string) (string, error) {
	form, err := p.ChangeForm(ctx, "")
	if err != nil {
		return "", err
	}
	form.Change = "new"
	form.Status = "new"
	form.Description = description
	form.Files = nil
	buf := new(bytes.Buffer)
	if err := form.Write(buf); err != nil {
		return "", err
	}
	out, err := p.run(ctx, buf, "change", "-i")
	if err != nil {
		return "", errors.Wrap(err, "p4 change -i")
	}
	cl, err := ParseCreatedChange(out)
	if err != nil {
		return "", err
	}
	p.logger.Infof("Created pending changelist %s", cl)
	return cl, nil
}

// Describe renders pending changelist cl in describe syntax: description,
// affected files and differences. Edits come from p4 diff, new files are
// read from the workspace.
func (p *Perforce) Describe(ctx context.Context, cl string) (string, error) {
	form, err := p.ChangeForm(ctx, cl)
	if err != nil {
		return "", err
	}
	files, err := p.OpenedFiles(ctx, cl)
	if err != nil {
		return "", err
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].DepotPath < files[j].DepotPath })

	b := new(strings.Builder)
	fmt.Fprintf(b, "Change %s by %s@%s *pending*\n\n", cl, form.User, form.Client)
	for _, l := range strings.Split(form.Description, "\n") {
		fmt.Fprintf(b, "\t%s\n", l)
	}
	b.WriteString("\nAffected files ...\n\n")
	diffArgs := make([]string, 0)
	binaries := make([]OpenedFile, 0)
	for _, f := range files {
		rev := f.Rev
		if rev == "" || f.Action == Add || f.Action == MoveAdd {
			rev = "none"
		}
		fmt.Fprintf(b, "... %s#%s %s\n", f.DepotPath, rev, actionName(f.Action))
		switch f.Action {
		case Edit, Integrate, MoveAdd:
			if isBinaryType(f.Type) {
				binaries = append(binaries, f)
			} else {
				diffArgs = append(diffArgs, f.DepotPath)
			}
		}
	}
	b.WriteString("\nDifferences ...\n\n")
	if len(diffArgs) > 0 {
		out, err := p.run(ctx, nil, append([]string{"diff", "-du"}, diffArgs...)...)
		if err != nil && !isWarning(err) {
			return "", errors.Wrap(err, "p4 diff")
		}
		b.WriteString(out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			b.WriteString("\n")
		}
	}
	if err := p.writeBinarySections(ctx, b, binaries); err != nil {
		return "", err
	}
	for _, f := range files {
		if f.Action != Add && f.Action != Branch {
			continue
		}
		if err := p.writeAddSection(b, f); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

func actionName(a FileAction) string {
	for name, action := range fileActions {
		if action == a && name != "import" {
			return name
		}
	}
	return "edit"
}

func (p *Perforce) localPath(f OpenedFile) (string, error) {
	rel, err := p.Mapping.RelativeFromDepot(f.DepotPath)
	if err != nil {
		return "", err
	}
	if f.LocalPath == "" || p.Mapping.ClientRoot != "" {
		return p.Mapping.LocalPath(rel), nil
	}
	return f.LocalPath, nil
}

// changedFiles returns the depot paths of files whose workspace content differs
// from the depot revision they were opened from
func (p *Perforce) changedFiles(ctx context.Context, files []OpenedFile) (map[string]bool, error) {
	changed := make(map[string]bool)
	args := []string{"diff", "-sa"}
	for _, f := range files {
		args = append(args, f.DepotPath)
	}
	out, err := p.run(ctx, nil, args...)
	if err != nil {
		if isWarning(err) {
			return changed, nil
		}
		return nil, errors.Wrap(err, "p4 diff -sa")
	}
	for _, line := range nonEmptyLines(out) {
		rel, err := p.Mapping.Relative(strings.TrimSpace(line))
		if err != nil {
			p.logger.Debugf("Ignoring diff -sa output %q: %v", line, err)
			continue
		}
		changed[p.Mapping.DepotPath(rel)] = true
	}
	return changed, nil
}

// writeBinarySections marks binary edits and moves whose content changed. p4 diff
// prints nothing useful for them and git only reports that they differ.
func (p *Perforce) writeBinarySections(ctx context.Context, b *strings.Builder, files []OpenedFile) error {
	if len(files) == 0 {
		return nil
	}
	changed, err := p.changedFiles(ctx, files)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !changed[f.DepotPath] {
			continue
		}
		local, err := p.localPath(f)
		if err != nil {
			return err
		}
		rev := f.Rev
		if rev == "" {
			rev = "none"
		}
		fmt.Fprintf(b, "==== %s#%s - %s ==== (%s)\nBinary files differ\n\n", f.DepotPath, rev, local, f.Type)
	}
	return nil
}

// readAdded returns the workspace content of an added file. Symlinks give their target.
func (p *Perforce) readAdded(f OpenedFile, local string) ([]byte, error) {
	if strings.HasPrefix(f.Type, "symlink") {
		if lr, ok := p.fs.(afero.LinkReader); ok {
			target, err := lr.ReadlinkIfPossible(local)
			if err == nil {
				return []byte(target), nil
			}
			p.logger.Debugf("Reading %s as a file: %v", local, err)
		}
	}
	return afero.ReadFile(p.fs, local)
}

// writeAddSection writes the whole content of a file opened for add as one hunk
func (p *Perforce) writeAddSection(b *strings.Builder, f OpenedFile) error {
	local, err := p.localPath(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "==== %s#none - %s ====\n", f.DepotPath, local)
	if isBinaryType(f.Type) {
		b.WriteString("Binary files differ\n\n")
		return nil
	}
	content, err := p.readAdded(f, local)
	if err != nil {
		return errors.Wrapf(err, "reading added file %s", local)
	}
	if len(content) > 0 {
		text := string(content)
		lines := strings.SplitAfter(text, "\n")
		if lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		fmt.Fprintf(b, "@@ -0,0 +1,%d @@\n", len(lines))
		for _, l := range lines {
			b.WriteString("+" + l)
			if !strings.HasSuffix(l, "\n") {
				b.WriteString("\n\\ No newline at end of file\n")
			}
		}
	}
	b.WriteString("\n")
	return nil
}
