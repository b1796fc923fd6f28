package app

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/config"
)

func TestOpenUsesDefaultsWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, "default", ws.Config.Project.ID)
	p, err := ws.Engine.Repo.GetProject(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, "default", ws.ResolveProject(" "))
	assert.Equal(t, "other", ws.ResolveProject("other"))
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("ops")), 0o644))

	ws, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "ops", ws.ResolveProject(""))
	_, err = ws.Engine.Repo.GetProject(context.Background(), "ops")
	assert.NoError(t, err)

	var nilWS *Workspace
	assert.NoError(t, nilWS.Close())
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default("ops")
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	logger := NewLogger(&buf, cfg)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown", "task_id", "t1")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"task_id":"t1"`)
}
