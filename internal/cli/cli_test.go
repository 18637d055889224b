package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: bidirectional
default_values:
  first: 0
  second: 0
fields:
  - path: first
    set:
      second: current * 10
  - path: second
    set:
      first: current * 10
steps:
  - commit:
      - path: first
        value: 5
        mode: native
expect:
  values:
    first: 5
    second: 50
  emissions: 2
`

const failingScenario = `name: wrong
default_values:
  a: 1
steps:
  - commit:
      - path: a
        value: 2
expect:
  values:
    a: 3
`

func testConfig() Config {
	return Config{Format: "text", MaxCascade: 1000, SettleTimeout: 5 * time.Second}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the command tree with args and returns stdout, stderr and the
// command error.
func execute(t *testing.T, cfg Config, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommandWithConfig(cfg)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// =============================================================================
// Root command and configuration
// =============================================================================

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommandWithConfig(testConfig())
	require.NotNil(t, cmd)
	assert.Equal(t, "formstate", cmd.Use)
	assert.Contains(t, cmd.Long, "FORMSTATE_JOURNAL")

	for _, name := range []string{"run", "validate", "trace"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags_DefaultsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Verbose = true
	cfg.Format = "json"
	cmd := NewRootCommandWithConfig(cfg)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "true", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "json", format.DefValue)
}

func TestRunFlags_DefaultsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Journal = "/tmp/j.db"
	cfg.MaxCascade = 7
	cfg.SettleTimeout = time.Second
	cmd := NewRootCommandWithConfig(cfg)

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/j.db", run.Flags().Lookup("journal").DefValue)
	assert.Equal(t, "7", run.Flags().Lookup("max-cascade").DefValue)
	assert.Equal(t, "1s", run.Flags().Lookup("settle-timeout").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.yaml", passingScenario)
	_, _, err := execute(t, testConfig(), "validate", "--format", "xml", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestConfigErrorReportedByCommands(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.yaml", passingScenario)
	cmd := newRootCommand(testConfig(), assert.AnError)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoadConfigFrom(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfigFrom(nil)
		require.NoError(t, err)
		assert.Equal(t, testConfig(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg, err := LoadConfigFrom(map[string]string{
			"FORMSTATE_VERBOSE":        "true",
			"FORMSTATE_FORMAT":         "json",
			"FORMSTATE_MAX_CASCADE":    "0",
			"FORMSTATE_JOURNAL":        "runs.db",
			"FORMSTATE_SETTLE_TIMEOUT": "250ms",
		})
		require.NoError(t, err)
		assert.Equal(t, Config{
			Verbose:       true,
			Format:        "json",
			MaxCascade:    0,
			Journal:       "runs.db",
			SettleTimeout: 250 * time.Millisecond,
		}, cfg)
	})

	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"bad bool", map[string]string{"FORMSTATE_VERBOSE": "sometimes"}},
		{"bad int", map[string]string{"FORMSTATE_MAX_CASCADE": "many"}},
		{"negative cascade", map[string]string{"FORMSTATE_MAX_CASCADE": "-1"}},
		{"bad duration", map[string]string{"FORMSTATE_SETTLE_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFrom(tt.environ)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// run
// =============================================================================

func TestRun_Pass(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.yaml", passingScenario)

	stdout, _, err := execute(t, testConfig(), "run", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "PASS bidirectional (2 emissions)")
	assert.Contains(t, stdout, "1 passed, 0 failed, 1 total")
}

func TestRun_Failure(t *testing.T) {
	dir := t.TempDir()
	ok := writeFile(t, dir, "ok.yaml", passingScenario)
	bad := writeFile(t, dir, "bad.yaml", failingScenario)

	stdout, _, err := execute(t, testConfig(), "run", ok, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "1 of 2 scenarios failed", err.Error())
	assert.Contains(t, stdout, "FAIL wrong")
	assert.Contains(t, stdout, "values.a")
	assert.Contains(t, stdout, "1 passed, 1 failed, 2 total")
}

func TestRun_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ok.yaml", passingScenario)

	stdout, _, err := execute(t, testConfig(), "run", "--format", "json", path)
	require.NoError(t, err)

	resp := decodeResponse(t, stdout)
	assert.Equal(t, "ok", resp.Status)

	var report RunReport
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	require.Len(t, report.Scenarios, 1)
	s := report.Scenarios[0]
	assert.Equal(t, "bidirectional", s.Name)
	assert.Equal(t, path, s.File)
	assert.True(t, s.Pass)
	assert.Equal(t, 2, s.Emissions)
	assert.Equal(t, map[string]int{"native": 1, "change": 1}, s.Modes)
	assert.Empty(t, s.RunID)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Total)
}

func TestRun_CommandErrors(t *testing.T) {
	dir := t.TempDir()
	invalid := writeFile(t, dir, "invalid.yaml", "name: broken\nsteps: []\n")
	ok := writeFile(t, dir, "ok.yaml", passingScenario)

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"run", filepath.Join(dir, "nope.yaml")}},
		{"invalid scenario", []string{"run", ok, invalid}},
		{"negative cascade", []string{"run", "--max-cascade", "-1", ok}},
		{"no arguments", []string{"run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(t, testConfig(), tt.args...)
			require.Error(t, err)
			if tt.name != "no arguments" {
				assert.Equal(t, ExitCommandError, GetExitCode(err))
			}
			assert.NotContains(t, stdout, "PASS")
		})
	}
}

// =============================================================================
// run --journal and trace
// =============================================================================

func TestRunJournal_Trace(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "runs.db")
	ok := writeFile(t, dir, "ok.yaml", passingScenario)
	bad := writeFile(t, dir, "bad.yaml", failingScenario)

	stdout, _, err := execute(t, testConfig(), "run", "--journal", db, "--format", "json", ok)
	require.NoError(t, err)
	var report RunReport
	require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &report))
	require.Len(t, report.Scenarios, 1)
	runID := report.Scenarios[0].RunID
	require.NotEmpty(t, runID)

	_, _, err = execute(t, testConfig(), "run", "--journal", db, bad)
	require.Error(t, err)

	t.Run("explicit run as JSON", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "trace", "--journal", db, "--run", runID, "--format", "json")
		require.NoError(t, err)

		var result struct {
			Run    RunInfo          `json:"run"`
			Events []map[string]any `json:"events"`
			Modes  map[string]int   `json:"modes"`
		}
		require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &result))
		assert.Equal(t, runID, result.Run.ID)
		assert.Equal(t, "bidirectional", result.Run.Scenario)
		require.NotNil(t, result.Run.Passed)
		assert.True(t, *result.Run.Passed)
		assert.Equal(t, 2, result.Run.Emissions)
		require.Len(t, result.Events, 2)
		assert.Equal(t, "values", result.Events[0]["class"])
		assert.Equal(t, map[string]any{"first": 5.0, "second": 50.0}, result.Events[1]["curr"])
		assert.Equal(t, map[string]int{"native": 1, "change": 1}, result.Modes)
	})

	t.Run("latest run as text", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "trace", "--journal", db)
		require.NoError(t, err)
		assert.Contains(t, stdout, "(wrong, failed)")
		assert.Contains(t, stdout, "#1")
		assert.Contains(t, stdout, "[a=change]")
		assert.Contains(t, stdout, "1 emissions (change=1)")
	})

	t.Run("journal from config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Journal = db
		stdout, _, err := execute(t, cfg, "trace", "--run", runID, "-v")
		require.NoError(t, err)
		assert.Contains(t, stdout, "(bidirectional, passed)")
		assert.Contains(t, stdout, `{"first":5,"second":50}`)
	})

	t.Run("list", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "trace", "--journal", db, "--list", "--format", "json")
		require.NoError(t, err)
		var list RunList
		require.NoError(t, json.Unmarshal(decodeResponse(t, stdout).Data, &list))
		require.Len(t, list.Runs, 2)
		assert.Equal(t, runID, list.Runs[0].ID)
		assert.Equal(t, "wrong", list.Runs[1].Scenario)
	})

	t.Run("unknown run", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "trace", "--journal", db, "--run", "nope", "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		resp := decodeResponse(t, stdout)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	})
}

func TestTrace_CommandErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := execute(t, testConfig(), "trace")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	missing := filepath.Join(dir, "missing.db")
	stdout, _, err := execute(t, testConfig(), "trace", "--journal", missing)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "journal not found")
	assert.NoFileExists(t, missing)
}

func TestTrace_ListText(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "runs.db")
	ok := writeFile(t, dir, "ok.yaml", passingScenario)

	_, _, err := execute(t, testConfig(), "run", "--journal", db, ok)
	require.NoError(t, err)

	stdout, _, err := execute(t, testConfig(), "trace", "--journal", db, "--list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "passed")
	assert.Contains(t, stdout, "bidirectional")
}

// =============================================================================
// validate
// =============================================================================

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	ok := writeFile(t, dir, "ok.yaml", passingScenario)
	typo := writeFile(t, dir, "typo.yaml", "name: typo\nstepz: []\n")
	badExpr := writeFile(t, dir, "expr.yaml", `name: expr
fields:
  - path: a
    set:
      b: current *
steps:
  - commit:
      - path: a
        value: 1
`)

	t.Run("valid", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "validate", ok)
		require.NoError(t, err)
		assert.Contains(t, stdout, "1 scenario file(s) valid")
	})

	t.Run("valid verbose", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "validate", "-v", ok)
		require.NoError(t, err)
		assert.Contains(t, stdout, "(bidirectional)")
	})

	t.Run("invalid text", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "validate", ok, typo, badExpr)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, stdout, "FAIL "+typo)
		assert.Contains(t, stdout, "FAIL "+badExpr)
		assert.NotContains(t, stdout, "scenario file(s) valid")
	})

	t.Run("invalid json", func(t *testing.T) {
		stdout, _, err := execute(t, testConfig(), "validate", "--format", "json", ok, typo)
		require.Error(t, err)

		resp := decodeResponse(t, stdout)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalid, resp.Error.Code)

		details, ok := resp.Error.Details.([]any)
		require.True(t, ok)
		require.Len(t, details, 2)
		assert.Equal(t, true, details[0].(map[string]any)["valid"])
		assert.Equal(t, false, details[1].(map[string]any)["valid"])
	})
}
