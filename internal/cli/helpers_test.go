package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// isolateEnv unsets the CONSERVE_* variables a developer shell might set.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONSERVE_DB", "CONSERVE_LOG_LEVEL", "CONSERVE_METRICS_ADDR",
		"CONSERVE_REDIS_ADDR", "CONSERVE_REDIS_STREAM", "CONSERVE_OTEL_ENDPOINT",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("CONSERVE_LOG_LEVEL", "error")
}

// execute runs the root command with args and stdin and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const seedOps = `{"op":"allocate","entity":"a","amount":0.6}
{"op":"allocate","entity":"b","amount":0.5}
{"op":"grant_capability","by":"a","entity":"a","capability":"transfer-energy"}
{"op":"transfer","from":"a","to":"b","amount":0.2}
`

// seedDB runs seedOps into a fresh database and returns its path.
func seedDB(t *testing.T) string {
	t.Helper()
	isolateEnv(t)
	db := filepath.Join(t.TempDir(), "conserve.db")
	_, err := execute(t, seedOps, "run", "--db", db)
	require.NoError(t, err)
	return db
}
