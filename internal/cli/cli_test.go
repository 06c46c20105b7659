package cli

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/app"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParse_Run(t *testing.T) {
	inv, exit, err := Parse([]string{
		"run", "-stage", "package", "-stage", "docs",
		"-param", "channel=beta", "-param", "empty=",
		"-branch", "main", "-log-level", "DEBUG",
		"pipelines/", "extra.hcl",
	}, &bytes.Buffer{}, envOf(nil))
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, CommandRun, inv.Command)
	assert.Equal(t, []string{"pipelines/", "extra.hcl"}, inv.Config.Paths)
	assert.Equal(t, "debug", inv.Config.LogLevel)
	assert.Equal(t, []string{"package", "docs"}, inv.Run.Stages)
	assert.Equal(t, map[string]string{"channel": "beta", "empty": ""}, inv.Run.Params)
	assert.Equal(t, "main", inv.Run.Branch)
	assert.Equal(t, "memory", inv.Config.Store)
}

func TestParse_EnvFallbacks(t *testing.T) {
	inv, _, err := Parse([]string{"serve", "-keep-runs", "5"}, &bytes.Buffer{}, envOf(map[string]string{
		"STAGEGRID_PIPELINE":          "a.hcl:b.yaml",
		"STAGEGRID_STORE":             "sqlite:runs.db",
		"STAGEGRID_HEARTBEAT_TIMEOUT": "1m",
		"STAGEGRID_KEEP_RUNS":         "10",
		"STAGEGRID_S3_ACCESS_KEY":     "key",
		"STAGEGRID_ADDR":              "127.0.0.1:9000",
		"STAGEGRID_KEEP_WORKSPACES":   "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a.hcl", "b.yaml"}, inv.Config.Paths)
	assert.Equal(t, "sqlite:runs.db", inv.Config.Store)
	assert.Equal(t, time.Minute, inv.Config.HeartbeatTimeout)
	// Flags win over the environment.
	assert.Equal(t, 5, inv.Config.Retention.MaxRunsPerStage)
	assert.Equal(t, "key", inv.Config.S3.AccessKey)
	assert.Equal(t, "127.0.0.1:9000", inv.Config.Addr)
	assert.Equal(t, app.DefaultTick, inv.Config.Tick)
	assert.True(t, inv.Config.KeepWorkspaces)
}

func TestParse_ShouldExit(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"validate", "-h"}, {"validate"}} {
		out := &bytes.Buffer{}
		inv, exit, err := Parse(args, out, envOf(nil))
		require.NoError(t, err, "args %v", args)
		assert.True(t, exit, "args %v", args)
		assert.Nil(t, inv)
		assert.Contains(t, out.String(), "Usage:")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantMsg string
	}{
		{"unknown command", []string{"deploy"}, nil, `unknown command "deploy"`},
		{"unknown flag", []string{"run", "-nope", "p.hcl"}, nil, "flag provided but not defined: -nope"},
		{"log format", []string{"run", "-log-format", "xml", "p.hcl"}, nil, "invalid log-format"},
		{"log level", []string{"run", "-log-level", "loud", "p.hcl"}, nil, "invalid log-level"},
		{"param", []string{"run", "-param", "novalue", "p.hcl"}, nil, `invalid param "novalue"`},
		{"store", []string{"serve", "-store", "mongo://x", "p.hcl"}, nil, "unsupported store"},
		{"env duration", []string{"serve", "p.hcl"}, map[string]string{"STAGEGRID_TICK": "fast"}, "invalid STAGEGRID_TICK"},
		{"env int", []string{"serve", "p.hcl"}, map[string]string{"STAGEGRID_KEEP_RUNS": "many"}, "invalid STAGEGRID_KEEP_RUNS"},
		{"env bool", []string{"serve", "p.hcl"}, map[string]string{"STAGEGRID_S3_SSL": "maybe"}, "invalid STAGEGRID_S3_SSL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.args, &bytes.Buffer{}, envOf(tt.env))
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "got %v", err)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tt.wantMsg)
		})
	}
}
