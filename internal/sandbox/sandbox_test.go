package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/common/config"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/sandbox"
)

func newTestManager(t *testing.T) *sandbox.Manager {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	cfg := config.SandboxConfig{
		BaseDir:       t.TempDir(),
		QuotaBytes:    1 << 20,
		OrphanTTL:     24,
		SweepInterval: 60,
	}
	m, err := sandbox.NewManager(cfg, log)
	require.NoError(t, err)
	return m
}

func TestCreateSandbox_LayoutAndIdempotence(t *testing.T) {
	m := newTestManager(t)

	sb1, err := m.CreateSandbox("agent-1")
	require.NoError(t, err)

	for _, dir := range []string{sb1.WorkspaceDir, sb1.LogsDir, sb1.TempDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(filepath.Join(sb1.RootPath, ".gitignore"))
	require.NoError(t, err)

	sb2, err := m.CreateSandbox("agent-1")
	require.NoError(t, err)
	assert.Equal(t, sb1.RootPath, sb2.RootPath)
}

func TestValidatePath_RejectsEscape(t *testing.T) {
	m := newTestManager(t)
	sb, err := m.CreateSandbox("agent-1")
	require.NoError(t, err)

	assert.Nil(t, m.ValidatePath("agent-1", filepath.Join(sb.WorkspaceDir, "file.go")))
	assert.NotNil(t, m.ValidatePath("agent-1", "/etc/passwd"))
	assert.NotNil(t, m.ValidatePath("agent-1", filepath.Join(sb.RootPath, "..", "other")))
}

func TestCleanupSandbox_RemovesTree(t *testing.T) {
	m := newTestManager(t)
	sb, err := m.CreateSandbox("agent-1")
	require.NoError(t, err)

	require.NoError(t, m.CleanupSandbox("agent-1"))
	_, err = os.Stat(sb.RootPath)
	assert.True(t, os.IsNotExist(err))
}

func TestEnforceQuota(t *testing.T) {
	m := newTestManager(t)
	sb, err := m.CreateSandbox("agent-1")
	require.NoError(t, err)

	big := make([]byte, 2<<20)
	require.NoError(t, os.WriteFile(filepath.Join(sb.WorkspaceDir, "big.bin"), big, 0o644))

	denied, err := m.EnforceQuota("agent-1")
	require.NoError(t, err)
	require.NotNil(t, denied)
}

func TestSweepOrphans_RemovesUntrackedStaleDirs(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	base := t.TempDir()
	cfg := config.SandboxConfig{BaseDir: base, OrphanTTL: 0, SweepInterval: 60}
	m, err := sandbox.NewManager(cfg, log)
	require.NoError(t, err)

	orphan := filepath.Join(base, "untracked-agent")
	require.NoError(t, os.MkdirAll(orphan, 0o700))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	m.StartOrphanSweep(10 * time.Millisecond)
	defer m.Stop()
	time.Sleep(100 * time.Millisecond)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))
}
