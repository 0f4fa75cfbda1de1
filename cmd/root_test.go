package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copymesh/config"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "copymesh "+Version))
}

func TestRiskCommandRejectsUnknownAction(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"risk", "--account", "f1", "--action", "halt"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause 或 resume")
}

func TestSyncCommandRequiresAccount(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync"})
	assert.Error(t, root.Execute())
}

func TestLoadConfigCreatesMinimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := loadConfig(&rootOptions{configPath: path, logLevel: "WARN"})
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "WARN", cfg.System.LogLevel)

	reloaded, err := config.LoadConfig(path)
	require.NoError(t, err, "应写出最小化配置文件")
	assert.Equal(t, "memory", reloaded.Database.Type)
}

func TestBuildCoreWithMemoryStore(t *testing.T) {
	cfg := config.CreateMinimalConfig()
	c, err := buildCore(cfg, nil)
	require.NoError(t, err)
	defer c.close()

	// 未启用上游时同步失败但不会崩溃
	res := c.svc.SyncFromPositions(t.Context(), "m1", "forex")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
}

func TestApplyReloadUpdatesThreshold(t *testing.T) {
	cfg := config.CreateMinimalConfig()
	c, err := buildCore(cfg, nil)
	require.NoError(t, err)
	defer c.close()

	newCfg := config.CreateMinimalConfig()
	newCfg.ErrorTracker.Threshold = 9
	newCfg.Web.APIKey = "k2"
	diff := config.DiffConfig(cfg, newCfg)
	require.NoError(t, applyReload(t.Context(), c.svc, nil, cfg, newCfg, diff))
	assert.Equal(t, 9, c.svc.Tracker().Threshold())

	bad := config.CreateMinimalConfig()
	bad.Risk.DefaultMaxDrawdown = 150
	diff = config.DiffConfig(cfg, bad)
	assert.Error(t, applyReload(t.Context(), c.svc, nil, cfg, bad, diff), "超过 100 的回撤阈值应被拒绝")
}

func TestBuildModesPrefersREST(t *testing.T) {
	cfg := config.CreateMinimalConfig()
	cfg.Gateway.REST.Enabled = true
	cfg.Gateway.REST.BaseURL = "http://127.0.0.1:1"
	cfg.Gateway.Terminal.Enabled = true
	cfg.Gateway.Terminal.URL = "ws://127.0.0.1:1"

	modes, closers := buildModes(cfg)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"rest", "terminal"}, names, "查询先走 REST，失败再回退终端")
	assert.Len(t, closers, 1)

	cfg.Gateway.REST.Enabled = false
	modes, _ = buildModes(cfg)
	require.Len(t, modes, 1)
	assert.Equal(t, "terminal", modes[0].Name())
}
