// Package scm runs git and p4 for the synchronizer and parses their output.
package scm

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Runner runs one external command, optionally feeding stdin, and returns stdout.
// A non-zero exit is returned as an *ExecError.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error)
}

// ExecError - a failed external command
type ExecError struct {
	Command string
	Args    []string
	Err     error
	Stdout  string
	Stderr  string
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	b.WriteString(e.Command)
	if len(e.Args) > 0 {
		b.WriteString(" " + strings.Join(e.Args, " "))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec in Dir
type ExecRunner struct {
	logger *logrus.Logger
	Dir    string
	Env    []string // added to the process environment
}

// NewExecRunner creates a runner working in dir
func NewExecRunner(logger *logrus.Logger, dir string) *ExecRunner {
	return &ExecRunner{logger: logger, Dir: dir}
}

// Run runs name with args
func (r *ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error) {
	r.logger.Debugf("Running: %s %s", name, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Run(); err != nil {
		return "", &ExecError{
			Command: name,
			Args:    args,
			Err:     err,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}
	r.logger.Debugf("%s %s: %d bytes output", name, firstArg(args), stdout.Len())
	return stdout.String(), nil
}

func firstArg(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// commandLine splits a configured command such as "p4 -C utf8" into the
// program and its leading arguments
type commandLine struct {
	name string
	args []string
}

func parseCommandLine(command, fallback string) (commandLine, error) {
	if strings.TrimSpace(command) == "" {
		command = fallback
	}
	parts, err := shlex.Split(command)
	if err != nil {
		return commandLine{}, errors.Wrapf(err, "parsing command %q", command)
	}
	if len(parts) == 0 {
		return commandLine{}, errors.Errorf("empty command %q", command)
	}
	return commandLine{name: parts[0], args: parts[1:]}, nil
}

func (c commandLine) with(args ...string) []string {
	out := make([]string, 0, len(c.args)+len(args))
	out = append(out, c.args...)
	return append(out, args...)
}
