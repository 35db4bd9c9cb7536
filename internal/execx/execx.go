package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so notification and browser launching
// can be unit-tested without spawning processes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
}

func NewOSRunner(stdout io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &OSRunner{Stdout: stdout}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return err
	}
	return nil
}

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// Recorder is a Runner that records calls instead of executing them.
type Recorder struct {
	Calls []Call
	Err   error
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) error {
	r.Calls = append(r.Calls, Call{Name: name, Args: append([]string(nil), args...)})
	return r.Err
}
