package scm

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Example of a changelist form as read by p4 change -o and written by p4 change -i

// # A Perforce Change Specification.
// #
// #  Change:      The change number. 'new' on a new changelist.
// #  ...
//
// Change:	new
//
// Client:	git-client
//
// User:	git-user
//
// Status:	new
//
// Description:
// 	<enter description here>
//
// Files:
// 	//depot/proj/src/A.java	# edit

// FileType - Perforce file type used when opening files for add
type FileType int

const (
	UText   FileType = iota // text
	UBinary                 // binary+F
	Binary                  // binary
	Symlink                 // symlink
)

var fileTypeNames = map[FileType]string{
	UText:   "text",
	UBinary: "binary+F",
	Binary:  "binary",
	Symlink: "symlink",
}

func (t FileType) String() string {
	return fileTypeNames[t]
}

// WithExec returns the type string with the executable modifier
func (t FileType) WithExec(exec bool) string {
	s := t.String()
	if !exec || t == Symlink {
		return s
	}
	if strings.Contains(s, "+") {
		return s + "x"
	}
	return s + "+x"
}

// isBinaryType is true for Perforce types whose content p4 diff does not show
func isBinaryType(fileType string) bool {
	return strings.Contains(fileType, "binary") || strings.Contains(fileType, "apple") ||
		strings.Contains(fileType, "resource")
}

// FileAction - open action of a file in a pending changelist
type FileAction int

const (
	Add FileAction = iota
	Edit
	Delete
	Branch
	Integrate
	MoveAdd
	MoveDelete
	UnknownAction
)

var fileActions = map[string]FileAction{
	"add":         Add,
	"import":      Add,
	"edit":        Edit,
	"delete":      Delete,
	"branch":      Branch,
	"integrate":   Integrate,
	"move/add":    MoveAdd,
	"move/delete": MoveDelete,
}

// ParseFileAction maps a p4 action name
func ParseFileAction(s string) FileAction {
	if a, ok := fileActions[s]; ok {
		return a
	}
	return UnknownAction
}

// ChangeForm - a pending changelist specification
type ChangeForm struct {
	Change      string
	Client      string
	User        string
	Status      string
	Description string
	Files       []string
}

var createdRe = regexp.MustCompile(`^Change (\d+) (?:created|updated)`)

// ParseChangeForm reads the output of p4 change -o
func ParseChangeForm(r io.Reader) (*ChangeForm, error) {
	form := &ChangeForm{}
	var field string
	var desc []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "\t") {
			value := strings.TrimPrefix(line, "\t")
			switch field {
			case "Description":
				desc = append(desc, value)
			case "Files":
				if i := strings.Index(value, "\t#"); i >= 0 {
					value = value[:i]
				}
				form.Files = append(form.Files, strings.TrimSpace(value))
			}
			continue
		}
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			return nil, errors.Errorf("unexpected line in change form: %q", line)
		}
		field = line[:i]
		value := strings.TrimSpace(line[i+1:])
		switch field {
		case "Change":
			form.Change = value
		case "Client":
			form.Client = value
		case "User":
			form.User = value
		case "Status":
			form.Status = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading change form")
	}
	if form.Change == "" {
		return nil, errors.New("change form has no Change field")
	}
	form.Description = strings.Join(desc, "\n")
	return form, nil
}

// Write writes the form in the layout p4 change -i accepts
func (f *ChangeForm) Write(w io.Writer) error {
	b := new(strings.Builder)
	fmt.Fprintf(b, "Change:\t%s\n\n", f.Change)
	if f.Client != "" {
		fmt.Fprintf(b, "Client:\t%s\n\n", f.Client)
	}
	if f.User != "" {
		fmt.Fprintf(b, "User:\t%s\n\n", f.User)
	}
	if f.Status != "" {
		fmt.Fprintf(b, "Status:\t%s\n\n", f.Status)
	}
	b.WriteString("Description:\n")
	for _, l := range strings.Split(strings.TrimRight(f.Description, "\n"), "\n") {
		fmt.Fprintf(b, "\t%s\n", l)
	}
	if len(f.Files) > 0 {
		b.WriteString("\nFiles:\n")
		for _, file := range f.Files {
			fmt.Fprintf(b, "\t%s\n", file)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ParseCreatedChange returns the number from "Change N created."
func ParseCreatedChange(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		if m := createdRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], nil
		}
	}
	return "", errors.Errorf("no change number in %q", strings.TrimSpace(output))
}
