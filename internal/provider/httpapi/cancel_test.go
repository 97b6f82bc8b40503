package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
)

func TestCancelRegistry_RegisterAndCancel(t *testing.T) {
	r := newCancelRegistry()
	called := false
	r.register("task-1", func() { called = true })

	require.NoError(t, r.cancel("task-1"))
	assert.True(t, called)
}

func TestCancelRegistry_RemoveStopsTracking(t *testing.T) {
	r := newCancelRegistry()
	r.register("task-1", func() {})
	r.remove("task-1")

	err := r.cancel("task-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCancelRegistry_UnknownTaskReturnsNotFound(t *testing.T) {
	r := newCancelRegistry()
	err := r.cancel("nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
