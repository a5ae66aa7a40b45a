package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ExitReviewRequired is the exit status a command uses to ask for human review.
const ExitReviewRequired = 75

// Command runs a shell command per operation type. The task is exported to the
// process as SAFELINE_* environment variables.
type Command struct {
	// Commands maps operation type to the command line to run; "*" matches any type.
	Commands map[string]string
	// Rollbacks maps operation type to the undo command line.
	Rollbacks map[string]string
	Shell     string
	Dir       string
	Timeout   time.Duration
}

func (c Command) Execute(ctx context.Context, t Task) (Report, error) {
	line, ok := lookup(c.Commands, t.Type)
	if !ok {
		return Report{}, fmt.Errorf("no command configured for operation type %q", t.Type)
	}
	return c.run(ctx, line, t, "execute")
}

func (c Command) Rollback(ctx context.Context, t Task) (Report, error) {
	line, ok := lookup(c.Rollbacks, t.Type)
	if !ok {
		return Report{Output: "no rollback command configured"}, nil
	}
	return c.run(ctx, line, t, "rollback")
}

func lookup(m map[string]string, typ string) (string, bool) {
	if line, ok := m[typ]; ok && strings.TrimSpace(line) != "" {
		return line, true
	}
	line, ok := m["*"]
	return line, ok && strings.TrimSpace(line) != ""
}

func (c Command) run(ctx context.Context, line string, t Task, phase string) (Report, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", line)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), taskEnv(t, phase)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	rep := Report{Output: strings.TrimSpace(out.String()), Applied: true}
	if err == nil {
		return rep, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitReviewRequired && phase == "execute" {
		reason := lastLine(rep.Output)
		if reason == "" {
			reason = "executor requested review"
		}
		return rep, &ReviewRequired{Reason: reason}
	}
	if ctx.Err() != nil {
		return rep, fmt.Errorf("%s %s: %w", phase, t.Type, ctx.Err())
	}
	return rep, fmt.Errorf("%s %s: %w: %s", phase, t.Type, err, lastLine(rep.Output))
}

func taskEnv(t Task, phase string) []string {
	env := []string{
		"SAFELINE_OPERATION_ID=" + t.OperationID,
		"SAFELINE_SERVICE=" + t.Service,
		"SAFELINE_OPERATION_TYPE=" + t.Type,
		"SAFELINE_PHASE=" + phase,
	}
	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := scalar(t.Metadata[k]); ok {
			env = append(env, "SAFELINE_META_"+strings.ToUpper(envSafe(k))+"="+s)
		}
	}
	return env
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool, int, int64, float64, float32:
		return fmt.Sprint(x), true
	}
	return "", false
}

func envSafe(k string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, k)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
