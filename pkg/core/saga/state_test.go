package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompensationState_Transitions(t *testing.T) {
	assert.True(t, CompensationStatePending.CanTransitionTo(CompensationStateCompensating))
	assert.False(t, CompensationStatePending.CanTransitionTo(CompensationStateCompensated))
	assert.True(t, CompensationStateCompensating.CanTransitionTo(CompensationStateCompensated))
	assert.True(t, CompensationStateCompensating.CanTransitionTo(CompensationStateFailed))
	assert.False(t, CompensationStateCompensated.CanTransitionTo(CompensationStateFailed))
	assert.False(t, CompensationStateFailed.CanTransitionTo(CompensationStatePending))

	assert.True(t, CompensationStateFailed.IsTerminal())
	assert.False(t, CompensationStateCompensating.IsTerminal())
	assert.False(t, CompensationState("Unknown").IsValid())
}

func TestRecord_Transition(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecord("create-encounter", "undo-encounter", "HTTP 500", at)
	assert.Equal(t, CompensationStatePending, r.State)

	// 非法迁移不修改记录
	assert.False(t, r.Transition(CompensationStateCompensated, at.Add(time.Second)))
	assert.Equal(t, at, r.UpdatedAt)

	assert.True(t, r.Transition(CompensationStateCompensating, at.Add(time.Second)))
	assert.True(t, r.Transition(CompensationStateCompensated, at.Add(2*time.Second)))
	assert.Equal(t, at.Add(2*time.Second), r.UpdatedAt)
}
