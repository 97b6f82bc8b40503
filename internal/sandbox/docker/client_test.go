package docker

import (
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/common/config"
	"github.com/basestar-sh/agentforge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestNewClient_DoesNotDialTheDaemon(t *testing.T) {
	c, err := NewClient(config.DockerConfig{Image: "agentforge-sandbox:latest"}, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, c)
	defer c.Close()
}

func TestHostConfig_BuildsBindMountsFromMountConfig(t *testing.T) {
	c, err := NewClient(config.DockerConfig{}, testLogger(t))
	require.NoError(t, err)
	defer c.Close()

	hostCfg, mounts := c.hostConfig(ContainerConfig{
		Mounts: []MountConfig{
			{Source: "/host/workspace", Target: "/workspace", ReadOnly: false},
		},
		Memory:   512 << 20,
		CPUQuota: 50000,
	})

	require.Len(t, mounts, 1)
	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.Equal(t, "/host/workspace", mounts[0].Source)
	assert.Equal(t, "/workspace", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)

	assert.Equal(t, int64(512<<20), hostCfg.Resources.Memory)
	assert.Equal(t, int64(50000), hostCfg.Resources.CPUQuota)
}

func TestHostConfig_DefaultsToNoNetwork(t *testing.T) {
	c, err := NewClient(config.DockerConfig{}, testLogger(t))
	require.NoError(t, err)
	defer c.Close()

	hostCfg, _ := c.hostConfig(ContainerConfig{})
	assert.Equal(t, "none", string(hostCfg.NetworkMode))
}

func TestHostConfig_RespectsExplicitNetworkMode(t *testing.T) {
	c, err := NewClient(config.DockerConfig{}, testLogger(t))
	require.NoError(t, err)
	defer c.Close()

	hostCfg, _ := c.hostConfig(ContainerConfig{NetworkMode: "bridge"})
	assert.Equal(t, "bridge", string(hostCfg.NetworkMode))
}
