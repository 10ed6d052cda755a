package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Executor runs one step script and streams its combined output to out.
// A non-zero exit is reported through exitStatus, not err; err means the
// script could not be run at all.
type Executor interface {
	Run(ctx context.Context, script string, env map[string]string, out io.Writer) (exitStatus int, err error)
}

// ShellExecutor runs scripts with `sh -c`, inheriting the client's
// environment plus the job and step variables.
type ShellExecutor struct {
	Shell string // defaults to "sh"
	Dir   string // working directory, defaults to the current one
}

func (e ShellExecutor) Run(ctx context.Context, script string, env map[string]string, out io.Writer) (int, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = e.Dir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = out
	cmd.Stderr = out
	// background children of a killed script may hold the output pipe open
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// mergeEnv appends env to base in key order so later keys win.
func mergeEnv(base []string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// outputBuffer collects step output; drain hands back what arrived since the
// previous drain.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}
