package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage"
	scfg "github.com/xtxerr/memtier/internal/storage/config"
	testutil "github.com/xtxerr/memtier/internal/testing"
)

func testConfig(t *testing.T) *scfg.Config {
	t.Helper()
	cfg := scfg.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Agents = []string{"forensic-analyst", "documentation"}
	return cfg
}

func newService(t *testing.T) (*storage.Service, []*testutil.FakeTier) {
	t.Helper()
	fakes := testutil.NewFakeTiers()
	svc, err := storage.New(testConfig(t), testutil.Backends(fakes),
		storage.WithLogger(logging.Discard()),
		storage.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, fakes
}

// =============================================================================
// Root command
// =============================================================================

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"setup", "run", "test", "health", "shell"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	for _, flag := range []string{"config", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestExecute_InvalidFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute([]string{"health", "--format", "xml"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), `invalid format "xml"`)
	assert.Empty(t, stdout.String())
}

func TestExecute_MissingConfigFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute([]string{"health", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "load config")
}

func TestConfigPath_Precedence(t *testing.T) {
	t.Setenv("MEMTIER_CONFIG", "/etc/memtier/from-env.yaml")

	opts := &RootOptions{ConfigPath: "flag.yaml"}
	assert.Equal(t, "flag.yaml", opts.configPath())

	opts.ConfigPath = ""
	assert.Equal(t, "/etc/memtier/from-env.yaml", opts.configPath())
}

// =============================================================================
// Setup
// =============================================================================

func TestSetup_CreatesLayout(t *testing.T) {
	cfg := testConfig(t)

	res, err := Setup(cfg, false, fixedTime)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, cfg.IntegrationPath(), res.IntegrationPath)
	require.Len(t, res.AgentDirs, 2)

	for _, dir := range append([]string{cfg.CacheDir(), cfg.StateDir(), cfg.CaseFilesDir()}, res.AgentDirs...) {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}

	data, err := os.ReadFile(res.IntegrationPath)
	require.NoError(t, err)
	var doc IntegrationFile
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "1.0.0", doc.Version)
	assert.Equal(t, "2024-01-15T10:30:00Z", doc.Deployed)
	assert.Equal(t, cfg.Agents, doc.Agents)
	assert.Equal(t, cfg.Contexts, doc.Contexts)
	assert.Equal(t, cfg.Memory, doc.MemoryConfig)
}

func TestSetup_Idempotent(t *testing.T) {
	cfg := testConfig(t)

	_, err := Setup(cfg, false, fixedTime)
	require.NoError(t, err)
	before, err := os.ReadFile(cfg.IntegrationPath())
	require.NoError(t, err)

	res, err := Setup(cfg, false, fixedTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Written)

	after, err := os.ReadFile(cfg.IntegrationPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err = Setup(cfg, true, fixedTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Written)
	forced, err := os.ReadFile(cfg.IntegrationPath())
	require.NoError(t, err)
	assert.Contains(t, string(forced), "2024-01-15T11:30:00Z")
}

func TestRenderSetup(t *testing.T) {
	cfg := testConfig(t)
	res, err := Setup(cfg, false, fixedTime)
	require.NoError(t, err)

	var buf bytes.Buffer
	renderSetup(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "✓ Created config: "+res.IntegrationPath)
	assert.Contains(t, out, "✓ Agent memory: forensic-analyst\n")
	assert.Contains(t, out, "✓ Agent memory: documentation\n")
	assert.True(t, strings.HasSuffix(out, "\n✓ Setup complete!\n"))
}

// =============================================================================
// Self-check
// =============================================================================

func TestSelfTest_AllPass(t *testing.T) {
	svc, fakes := newService(t)

	steps := SelfTest(context.Background(), svc)
	require.Len(t, steps, 5)
	for _, s := range steps {
		assert.True(t, s.Passed, "%s: %s", s.Step, s.Detail)
	}
	assert.Equal(t, []string{"store", "retrieve", "integrity", "health", "metrics"},
		[]string{steps[0].Step, steps[1].Step, steps[2].Step, steps[3].Step, steps[4].Step})
	assert.Contains(t, steps[0].Detail, "agent:forensic-analyst:test-evidence")
	assert.Contains(t, steps[0].Detail, "on primary")
	assert.Equal(t, "4 fields", steps[1].Detail)
	assert.Equal(t, 1, fakes[0].Len())
}

func TestSelfTest_DegradedStillPasses(t *testing.T) {
	svc, fakes := newService(t)
	fakes[0].Break()

	steps := SelfTest(context.Background(), svc)
	assert.Zero(t, countFailed(steps))
	assert.Contains(t, steps[0].Detail, "on secondary")
	assert.Equal(t, "degraded (3/4 tiers online)", steps[3].Detail)
}

func TestSelfTest_EverythingBroken(t *testing.T) {
	svc, fakes := newService(t)
	for _, f := range fakes {
		f.Break()
	}

	steps := SelfTest(context.Background(), svc)
	require.Len(t, steps, 5)
	assert.Equal(t, 5, countFailed(steps))
	assert.Equal(t, "no record to verify", steps[2].Detail)
}

// =============================================================================
// Shell
// =============================================================================

func TestShell_Commands(t *testing.T) {
	svc, _ := newService(t)
	var out bytes.Buffer
	sh := &shell{ctx: context.Background(), svc: svc, out: &out}

	run := func(line string) string {
		t.Helper()
		out.Reset()
		assert.False(t, sh.execute(line), line)
		return out.String()
	}

	assert.Contains(t, run(`store case:1 {"finding": "Emotet beacon"}`), "stored case:1 [")
	assert.Contains(t, run(`get case:1`), "Emotet beacon")
	assert.Contains(t, run(`get case:1 case_specific`), "Emotet beacon")
	assert.Contains(t, run(`query emotet`), "1 results")
	assert.Contains(t, run(`query emotet 5`), "case:1")
	assert.Contains(t, run(`sync`), "promoted 0 of 0")
	assert.Contains(t, run(`health`), "Overall Status: HEALTHY")
	assert.Contains(t, run(`metrics`), "stores: 1")
	assert.Equal(t, "deleted case:1\n", run(`delete case:1`))
	assert.Equal(t, "not found: case:1\n", run(`get case:1`))

	assert.Equal(t, "", run(""))
	assert.Equal(t, "", run("# comment"))
	assert.Contains(t, run(`help`), "store")
}

func TestShell_Errors(t *testing.T) {
	svc, _ := newService(t)
	var out bytes.Buffer
	sh := &shell{ctx: context.Background(), svc: svc, out: &out}

	tests := []struct {
		line string
		want string
	}{
		{"store", "usage: store <key> <json>"},
		{"store k", "usage: store <key> <json>"},
		{"store k not-json", "value is not valid JSON"},
		{"get", "usage: get <key> [context]"},
		{"delete", "usage: delete <key>"},
		{"delete a b", "usage: delete <key>"},
		{"frobnicate", `unknown command "frobnicate"`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out.Reset()
			sh.execute(tt.line)
			assert.Contains(t, out.String(), "error: "+tt.want)
		})
	}
}

func TestShell_ScriptStopsAtExit(t *testing.T) {
	svc, _ := newService(t)
	var out bytes.Buffer
	sh := &shell{ctx: context.Background(), svc: svc, out: &out}

	script := strings.Join([]string{
		`store a {"n":1}`,
		`exit`,
		`store b {"n":2}`,
	}, "\n")
	require.NoError(t, sh.script(strings.NewReader(script)))

	_, found, err := svc.Retrieve(context.Background(), "a", "")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = svc.Retrieve(context.Background(), "b", "")
	require.NoError(t, err)
	assert.False(t, found)
}

// =============================================================================
// Commands against real tiers
// =============================================================================

func writeConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "data_dir: " + dir + "\n" +
		"primary:\n  dsn: \":memory:\"\n" +
		"agents: [forensic-analyst]\n" +
		"memory:\n  base_delay_ms: 1\n"
	path := filepath.Join(dir, "memtier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestExecute_Commands(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	path := writeConfigFile(t)

	t.Run("setup", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute([]string{"setup", "--config", path}, &stdout, &stderr)
		require.Equal(t, ExitSuccess, code, stderr.String())
		assert.Contains(t, stdout.String(), "✓ Setup complete!")
	})

	t.Run("health", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute([]string{"health", "--config", path}, &stdout, &stderr)
		require.Equal(t, ExitSuccess, code, stderr.String())
		assert.Contains(t, stdout.String(), "Overall Status: HEALTHY")
		assert.Contains(t, stdout.String(), "✓ volatile_ram (emergency): online")
	})

	t.Run("test json", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute([]string{"test", "--config", path, "--format", "json"}, &stdout, &stderr)
		require.Equal(t, ExitSuccess, code, stderr.String())
		assert.Contains(t, stdout.String(), `"status": "ok"`)
		assert.Contains(t, stdout.String(), `"step": "integrity"`)
	})

	t.Run("shell script", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		cmd := NewRootCommand()
		cmd.SetArgs([]string{"shell", "--config", path})
		cmd.SetIn(strings.NewReader("store k {\"n\":1}\nget k\nexit\n"))
		cmd.SetOut(&stdout)
		cmd.SetErr(&stderr)
		require.NoError(t, cmd.Execute())
		assert.Contains(t, stdout.String(), "stored k [")
		assert.Contains(t, stdout.String(), `"id": "k"`)
	})

	t.Run("run until cancelled", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		cmd := NewRootCommand()
		cmd.SetArgs([]string{"run", "--config", path, "--listen=127.0.0.1:0"})
		cmd.SetOut(&stdout)
		cmd.SetErr(&stderr)

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		require.NoError(t, cmd.ExecuteContext(ctx))

		assert.Contains(t, stdout.String(), "✓ Agent ready: forensic-analyst")
		assert.Contains(t, stdout.String(), "✓ Shutdown complete.")
	})
}
