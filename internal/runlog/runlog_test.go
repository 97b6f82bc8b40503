package runlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/runlog"
)

func TestHashPrompt_IsDeterministicAndNeverTheRawPrompt(t *testing.T) {
	hash := runlog.HashPrompt("delete the production database")
	assert.NotContains(t, hash, "delete")
	assert.NotContains(t, hash, "production")
	assert.Equal(t, hash, runlog.HashPrompt("delete the production database"))
	assert.NotEqual(t, hash, runlog.HashPrompt("some other prompt"))
	assert.Len(t, hash, 64) // hex-encoded sha256
}

func TestNew_EmptyDSNReturnsNoopStore(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	store, err := runlog.New(context.Background(), "", log)
	require.NoError(t, err)
	require.NotNil(t, store)

	err = store.Record(context.Background(), runlog.Record{
		RunID:      "run-1",
		AgentID:    "agent-1",
		Kind:       provider.KindClaudeAPI,
		PromptHash: runlog.HashPrompt("hi"),
		Status:     provider.StatusCompleted,
		DurationMS: 10,
		FinishedAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
	store.Close()
}
