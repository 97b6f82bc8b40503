package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/common/config"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/security"
)

func testPolicy(t *testing.T) *security.DefaultPolicy {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	cfg := config.SecurityConfig{
		AllowedTools:   []string{"Read", "Edit", "Bash", "Write"},
		ForbiddenPaths: []string{"/etc", "~/.ssh", "/root", "/sys", "/proc"},
		DangerousCommandPatterns: []string{
			"rm -rf /", "dd if=", "mkfs", "fdisk", "sudo", "su", "chmod 777",
			"chown root", "iptables", "ufw", "systemctl", "service",
		},
		MaxConcurrentAgents: 5,
		MaxCPUPercent:       200.0,
		MaxRSSBytes:         4 << 30,
	}
	return security.NewDefaultPolicy(cfg, log)
}

func TestAllowTool(t *testing.T) {
	p := testPolicy(t)
	assert.Nil(t, p.AllowTool("Read"))
	err := p.AllowTool("Glob")
	require.NotNil(t, err)
	assert.True(t, apperrors.IsPolicyDenied(err))
}

func TestAllowPath(t *testing.T) {
	p := testPolicy(t)
	assert.Nil(t, p.AllowPath("/home/agent/workspace/file.go"))

	for _, denied := range []string{"/etc/passwd", "/root/.bashrc", "/sys/kernel", "/proc/1/maps"} {
		err := p.AllowPath(denied)
		require.NotNil(t, err, denied)
		assert.True(t, apperrors.IsPolicyDenied(err))
	}
}

func TestAllowCommand_CaseInsensitive(t *testing.T) {
	p := testPolicy(t)
	for _, cmd := range []string{"sudo rm -rf /tmp", "SUDO rm -rf /tmp", "Sudo Reboot"} {
		err := p.AllowCommand(cmd)
		require.NotNil(t, err, cmd)
	}
	assert.Nil(t, p.AllowCommand("ls -la"))
}

func TestAllowCommand_ExactDangerousSequence(t *testing.T) {
	p := testPolicy(t)
	err := p.AllowCommand("rm -rf /")
	require.NotNil(t, err)
	assert.True(t, apperrors.IsPolicyDenied(err))
}

func TestResourceUsageOK_FailsOpenWhenUnavailable(t *testing.T) {
	p := testPolicy(t)
	assert.True(t, p.ResourceUsageOK("agent-1", 0, 0))
}

func TestResourceUsageOK_DeniesOverCeiling(t *testing.T) {
	p := testPolicy(t)
	assert.False(t, p.ResourceUsageOK("agent-1", 8<<30, 10))
	assert.False(t, p.ResourceUsageOK("agent-1", 1<<20, 500))
	assert.True(t, p.ResourceUsageOK("agent-1", 1<<20, 10))
}

func TestRuntimeToolMutation(t *testing.T) {
	p := testPolicy(t)
	require.NotNil(t, p.AllowTool("Glob"))
	p.AddAllowedTool("Glob")
	assert.Nil(t, p.AllowTool("Glob"))
	p.RemoveAllowedTool("Glob")
	assert.NotNil(t, p.AllowTool("Glob"))
}
