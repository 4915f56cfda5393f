package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/pkg/schema"
)

func execShell(t *testing.T, w *ShellWorker, skill string, args map[string]any) *schema.WorkResult {
	t.Helper()
	res, err := w.Execute(context.Background(), &schema.WorkRequest{
		RunID:  "run-1",
		NodeID: "node-1",
		Skill:  skill,
		Args:   args,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestShellWorker_Success(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "echo", map[string]any{"args": []any{"hello"}})

	assert.Equal(t, schema.WorkSuccess, res.Status)
	out := res.Output.(map[string]any)
	assert.Equal(t, "hello\n", out["stdout_raw"])
	assert.Equal(t, 0, out["exit_code"])
}

func TestShellWorker_JSONStdoutIsParsed(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "echo", map[string]any{
		"args": []any{`{"passed": true, "count": 3}`},
	})

	out := res.Output.(map[string]any)
	parsed, ok := out["stdout"].(map[string]any)
	require.True(t, ok, "valid JSON stdout must be parsed")
	assert.Equal(t, true, parsed["passed"])
}

func TestShellWorker_FactsProtocol(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "echo", map[string]any{
		"args": []any{`{"facts": [{"key": "tests.passed", "value": true, "tier": "session"}]}`},
	})

	require.Len(t, res.Facts, 1)
	assert.Equal(t, "tests.passed", res.Facts[0].Key)
	assert.Equal(t, true, res.Facts[0].Value)
	assert.Equal(t, schema.TierSession, res.Facts[0].Tier)
}

func TestShellWorker_NonZeroExitIsBusinessFailure(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "false", nil)

	assert.Equal(t, schema.WorkFailure, res.Status)
	out := res.Output.(map[string]any)
	assert.Equal(t, 1, out["exit_code"])
}

func TestShellWorker_FailureDetailFromStderr(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "echo boom >&2; exit 3", map[string]any{"shell": true})

	assert.Equal(t, schema.WorkFailure, res.Status)
	assert.Equal(t, "boom", res.Detail)
}

func TestShellWorker_MissingCommandIsInfraError(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	_, err := w.Execute(context.Background(), &schema.WorkRequest{
		Skill: "definitely-not-a-command-xyz",
	})
	require.Error(t, err)
	var arbErr *schema.ArborError
	require.ErrorAs(t, err, &arbErr)
	assert.Equal(t, schema.ErrCodeWorker, arbErr.Code)
}

func TestShellWorker_TimeoutKillsCommand(t *testing.T) {
	w := NewShellWorker(ShellConfig{DefaultTimeout: 200 * time.Millisecond})
	start := time.Now()
	res := execShell(t, w, "sleep", map[string]any{"args": []any{"5"}})

	assert.Equal(t, schema.WorkFailure, res.Status)
	assert.Contains(t, res.Detail, "killed")
	assert.Less(t, time.Since(start), 2*time.Second)
	out := res.Output.(map[string]any)
	assert.Equal(t, true, out["killed"])
}

func TestShellWorker_StdinAndShellMode(t *testing.T) {
	w := NewShellWorker(ShellConfig{})
	res := execShell(t, w, "cat", map[string]any{"stdin": "piped"})

	out := res.Output.(map[string]any)
	assert.Equal(t, "piped", out["stdout_raw"])
}

func TestShellWorker_OutputTruncation(t *testing.T) {
	w := NewShellWorker(ShellConfig{MaxOutputSize: 8})
	res := execShell(t, w, "echo", map[string]any{"args": []any{"0123456789abcdef"}})

	assert.Equal(t, schema.WorkSuccess, res.Status, "truncation must not block or fail the command")
	out := res.Output.(map[string]any)
	assert.Equal(t, "01234567", out["stdout_raw"])
}
