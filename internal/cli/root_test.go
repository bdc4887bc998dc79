package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/model"
)

func executeCommand(root *cobra.Command, args ...string) (stdout string, err error) {
	// Capture os.Stdout since CLI uses fmt.Printf directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	resetCommandState(root)
	root.SetArgs(append([]string{"--no-color"}, args...))
	err = root.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), err
}

// resetCommandState clears flag values left behind by a previous Execute on
// the shared command tree.
func resetCommandState(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetCommandState(c)
	}
	jsonOutput = false
	rootFlag = ""
	closeSession()
}

// setupWorkspace initializes a workspace and points --root at it.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PIPEGUARD_ROOT", "")
	t.Setenv("NO_COLOR", "1")
	_, err := executeCommand(rootCmd, "init", dir)
	require.NoError(t, err)
	t.Cleanup(closeSession)
	return dir
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	return executeCommand(rootCmd, append([]string{"--root", dir}, args...)...)
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "crash-safe")
	assert.Contains(t, stdout, "handle-error")
}

func TestRootCommand_JSONFlag(t *testing.T) {
	_, err := executeCommand(rootCmd, "--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestInitCommand_CreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PIPEGUARD_ROOT", "")
	stdout, err := executeCommand(rootCmd, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initialized pipeguard workspace")

	for _, p := range []string{"locks", "backups", "checkpoints", "breakers", "state.json", "config.yaml"} {
		_, statErr := os.Stat(filepath.Join(dir, ".pipeguard", p))
		assert.NoError(t, statErr, p)
	}

	// Second init is harmless.
	_, err = executeCommand(rootCmd, "init", dir)
	assert.NoError(t, err)
}

func TestStateCommand_WriteRead(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "state", "write", `{"phase":"test","completedTasks":["build"],"signals":{"ready":true}}`)
	require.NoError(t, err)

	stdout, err := run(t, dir, "state", "read")
	require.NoError(t, err)
	var doc model.StateDocument
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "test", doc.Phase)
	assert.Equal(t, []string{"build"}, doc.CompletedTasks)

	_, err = run(t, dir, "state", "write", `{"phase":"x","completedTasks":"build","signals":{}}`)
	require.Error(t, err)
	assert.Equal(t, errclass.ValidationFailed.Code(), exitCode(err))

	// The rejected write left the document alone.
	stdout, err = run(t, dir, "state", "read")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"phase": "test"`)
}

func TestStateCommand_ValidateFile(t *testing.T) {
	dir := setupWorkspace(t)
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"phase":1}`), 0644))

	_, err := run(t, dir, "--json", "state", "validate", bad)
	require.Error(t, err)
	assert.NotEqual(t, 0, exitCode(err))

	_, err = run(t, dir, "state", "validate")
	assert.NoError(t, err)
}

func TestLockCommand_Lifecycle(t *testing.T) {
	dir := setupWorkspace(t)
	pid := strconv.Itoa(os.Getpid())

	stdout, err := run(t, dir, "--json", "lock", "acquire", "--pid", pid, "tasks:build", "1")
	require.NoError(t, err)
	var rec model.Lock
	require.NoError(t, json.Unmarshal([]byte(stdout), &rec))
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.NotEmpty(t, rec.OwnerToken)

	_, err = run(t, dir, "lock", "acquire", "--pid", pid, "tasks:build", "0.1")
	require.Error(t, err)
	assert.Equal(t, errclass.LockTimeout.Code(), exitCode(err))

	stdout, err = run(t, dir, "lock", "list", "structured")
	require.NoError(t, err)
	assert.Contains(t, stdout, "tasks:build")

	_, err = run(t, dir, "lock", "release", "--pid", "1", "tasks:build")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrNotOwner)

	_, err = run(t, dir, "lock", "release", "--token", rec.OwnerToken, "tasks:build")
	require.NoError(t, err)

	stdout, err = run(t, dir, "--json", "lock", "check", "tasks:build")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"state": "unlocked"`)
}

func TestLockCommand_InvalidKind(t *testing.T) {
	dir := setupWorkspace(t)
	_, err := run(t, dir, "lock", "acquire", "signals", "1", "sideways")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrValidationFailed)
}

func TestCheckpointCommand_CreateListRestore(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "state", "write", `{"phase":"deploy","completedTasks":["build"],"signals":{}}`)
	require.NoError(t, err)

	stdout, err := run(t, dir, "--json", "checkpoint", "create", "release", "deploy", `{"ticket":"OPS-1"}`)
	require.NoError(t, err)
	var cp model.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(stdout), &cp))
	assert.Equal(t, "release", cp.Operation)

	_, err = run(t, dir, "state", "write", `{"phase":"broken","completedTasks":[],"signals":{}}`)
	require.NoError(t, err)

	stdout, err = run(t, dir, "checkpoint", "list", "structured")
	require.NoError(t, err)
	assert.Contains(t, stdout, string(cp.ID))

	_, err = run(t, dir, "checkpoint", "restore", "latest:release")
	require.NoError(t, err)

	stdout, err = run(t, dir, "state", "read")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"phase": "deploy"`)

	_, err = run(t, dir, "checkpoint", "delete", string(cp.ID))
	require.NoError(t, err)
}

func TestCheckpointCommand_NotFoundHint(t *testing.T) {
	dir := setupWorkspace(t)
	stdout, err := run(t, dir, "--json", "checkpoint", "create", "release")
	require.NoError(t, err)
	var cp model.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(stdout), &cp))

	_, err = run(t, dir, "checkpoint", "restore", string(cp.ID)[:10])
	require.Error(t, err)
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.hint, string(cp.ID))
	assert.ErrorIs(t, err, errclass.ErrCheckpointNotFound)
}

func TestHandleErrorCommand(t *testing.T) {
	dir := setupWorkspace(t)

	stdout, err := run(t, dir, "--json", "handle-error", "authentication_error", "token", "expired")
	require.Error(t, err)
	assert.Equal(t, errclass.AuthenticationError.Code(), exitCode(err))
	assert.Contains(t, stdout, "credentials")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pipeguard", "state.json"), []byte("{not json"), 0644))
	stdout, err = run(t, dir, "handle-error", "3", "corrupt")
	require.NoError(t, err)
	assert.Contains(t, stdout, "recovered:")

	_, err = run(t, dir, "state", "read")
	assert.NoError(t, err)

	_, err = run(t, dir, "handle-error", "no_such_kind", "x")
	require.Error(t, err)
}

func TestHandleErrorCommand_NoRecover(t *testing.T) {
	dir := setupWorkspace(t)
	stdout, err := run(t, dir, "handle-error", "--no-recover", "disk_full", "no", "space")
	require.Error(t, err)
	assert.Equal(t, errclass.DiskFull.Code(), exitCode(err))
	assert.Contains(t, stdout, "unrecovered:")
}

func TestDegradeAndStatus(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "degrade", "registry down", "publish")
	require.NoError(t, err)

	stdout, err := run(t, dir, "--json", "status")
	require.NoError(t, err)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	require.NotNil(t, rep.Degraded)
	assert.Equal(t, "registry down", rep.Degraded.Reason)
	assert.Equal(t, []string{"publish"}, rep.Degraded.DisabledFeatures)

	stdout, err = run(t, dir, "recover-mode")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Left degraded mode")

	stdout, err = run(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "normal")
}

func TestBreakerCommand_RecordAndReset(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "config", "set", "resilience.breaker_threshold", "2")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = run(t, dir, "breaker", "record", "registry", "failure")
		require.NoError(t, err)
	}
	stdout, err := run(t, dir, "--json", "breaker", "status", "registry")
	require.NoError(t, err)
	var st model.BreakerState
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, model.BreakerOpen, st.State)

	_, err = run(t, dir, "breaker", "reset", "registry")
	require.NoError(t, err)
	stdout, err = run(t, dir, "--json", "breaker", "status", "registry")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, model.BreakerClosed, st.State)

	_, err = run(t, dir, "breaker", "record", "registry", "sideways")
	assert.Error(t, err)
}

func TestExecCommand(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "exec", "--", "true")
	require.NoError(t, err)

	// Status 4 maps to ValidationFailed, which is never retried.
	_, err = run(t, dir, "exec", "--dependency", "api", "--retries", "3", "--base-delay", "1ms", "--", "sh", "-c", "exit 4")
	require.Error(t, err)
	assert.Equal(t, errclass.ValidationFailed.Code(), exitCode(err))

	stdout, err := run(t, dir, "--json", "breaker", "status", "api")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"failure_count": 1`)

	_, err = run(t, dir, "exec", "--", "pipeguard-no-such-binary")
	require.Error(t, err)
	assert.Equal(t, errclass.DependencyMissing.Code(), exitCode(err))
}

func TestClassifyChildError(t *testing.T) {
	tests := []struct {
		status int
		want   errclass.Kind
	}{
		{42, errclass.GeneralError},
		{9, errclass.Timeout},
		{13, errclass.ServiceUnavailable},
	}
	for _, tt := range tests {
		err := exec.Command("sh", "-c", "exit "+strconv.Itoa(tt.status)).Run()
		require.Error(t, err)
		got := classifyChildError("sh", err)
		assert.Equal(t, tt.want, errclass.KindOf(got), "status %d", tt.status)
	}

	got := classifyChildError("missing", exec.ErrNotFound)
	assert.ErrorIs(t, got, errclass.ErrDependencyMissing)
}

func TestDoctorCommand(t *testing.T) {
	dir := setupWorkspace(t)

	stdout, err := run(t, dir, "--json", "doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"healthy": true`)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pipeguard", "state.json"), []byte("{"), 0644))
	_, err = run(t, dir, "doctor")
	require.Error(t, err)
	assert.Equal(t, errclass.DataIntegrity.Code(), exitCode(err))

	_, err = run(t, dir, "doctor", "--repair")
	assert.NoError(t, err)
}

func TestConfigCommand_SetGet(t *testing.T) {
	dir := setupWorkspace(t)

	_, err := run(t, dir, "config", "set", "resilience.max_retries", "7")
	require.NoError(t, err)

	stdout, err := run(t, dir, "config", "get", "resilience.max_retries")
	require.NoError(t, err)
	assert.Equal(t, "7\n", stdout)

	_, err = run(t, dir, "config", "get", "no.such.key")
	require.Error(t, err)
	assert.Equal(t, errclass.ConfigurationError.Code(), exitCode(err))

	stdout, err = run(t, dir, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "max_retries: 7")
}

func TestMetricsCommand_Textfile(t *testing.T) {
	dir := setupWorkspace(t)
	out := filepath.Join(t.TempDir(), "pg.prom")

	_, err := run(t, dir, "metrics", "--textfile", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeguard_degraded_mode 0")
}

func TestNotInitialized(t *testing.T) {
	t.Setenv("PIPEGUARD_ROOT", "")
	dir := t.TempDir()
	_, err := executeCommand(rootCmd, "--root", dir, "status")
	require.Error(t, err)
	assert.Equal(t, errclass.ConfigurationError.Code(), exitCode(err))
}

func TestOutputJSON(t *testing.T) {
	err := outputJSON(map[string]string{"test": "value"})
	assert.NoError(t, err)
}

func TestFmtErr(t *testing.T) {
	// fmtErr should not panic
	fmtErr("test error: %s", "detail")
}
