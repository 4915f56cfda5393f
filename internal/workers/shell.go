package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/arbornet/arbor/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell worker.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	WorkDir        string
}

// ShellWorker executes action skills as system commands. The skill is the
// command; args supply flags, environment, stdin, and an optional timeout.
// A command that prints a JSON object with a "facts" array reports those
// facts back into working memory.
type ShellWorker struct {
	cfg ShellConfig
}

// NewShellWorker creates a shell worker with defaults applied.
func NewShellWorker(cfg ShellConfig) *ShellWorker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ShellWorker{cfg: cfg}
}

func (w *ShellWorker) ID() string { return "shell" }

// Execute runs the skill as a command. A non-zero exit code is a business
// failure; a command that cannot start at all is an infrastructure error.
func (w *ShellWorker) Execute(ctx context.Context, req *schema.WorkRequest) (*schema.WorkResult, error) {
	params := req.Args
	if params == nil {
		params = map[string]any{}
	}

	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", w.cfg.WorkDir)
	stdinStr := stringParam(params, "stdin", "")
	timeoutStr := stringParam(params, "timeout", "")
	shellMode := boolParam(params, "shell", false)

	var cmd *exec.Cmd
	timeout := w.cfg.DefaultTimeout
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if shellMode {
		fullCmd := req.Skill
		if len(args) > 0 {
			fullCmd = req.Skill + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, req.Skill, args...)
	}

	if cwd != "" {
		cmd.Dir = cwd
	}
	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: w.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: w.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if execCtx.Err() == nil {
			// Non-exit error (e.g., command not found).
			return nil, schema.NewErrorf(schema.ErrCodeWorker, "shell: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout if it's valid JSON, so extract filters see
	// structure instead of a string.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	result := &schema.WorkResult{
		Status: schema.WorkSuccess,
		Output: map[string]any{
			"stdout":      parsedStdout,
			"stdout_raw":  stdoutStr,
			"stderr":      stderrBuf.String(),
			"exit_code":   exitCode,
			"duration_ms": durationMs,
			"killed":      killed,
		},
		Facts: factsFromStdout(parsedStdout),
	}

	if killed {
		result.Status = schema.WorkFailure
		result.Detail = fmt.Sprintf("command killed after %s", timeout)
		return result, nil
	}
	if exitCode != 0 {
		result.Status = schema.WorkFailure
		result.Detail = strings.TrimSpace(stderrBuf.String())
		if result.Detail == "" {
			result.Detail = fmt.Sprintf("exit code %d", exitCode)
		}
	}
	return result, nil
}

// factsFromStdout lifts a {"facts": [{"key": ..., "value": ...}, ...]}
// stdout object into memory records.
func factsFromStdout(parsed any) []schema.MemoryRecord {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["facts"].([]any)
	if !ok {
		return nil
	}
	var facts []schema.MemoryRecord
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		key, _ := m["key"].(string)
		if key == "" {
			continue
		}
		rec := schema.MemoryRecord{Key: key, Value: m["value"]}
		if tier, ok := m["tier"].(string); ok {
			rec.Tier = schema.MemoryTier(tier)
		}
		if conf, ok := m["confidence"].(string); ok {
			rec.Confidence = schema.Confidence(conf)
		}
		facts = append(facts, rec)
	}
	return facts
}

// --- Param helpers ---

func stringParam(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// --- limitedWriter ---

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
