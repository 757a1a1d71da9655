package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore()
	})
}

func TestMemoryStore_FailNext(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, &workflow.Instance{ID: "i-1", Status: workflow.StatusRunning}))

	boom := errors.New("磁盘已满")
	s.FailNext("SaveProgress", boom)
	_, err := s.SaveProgress(ctx, &storage.ProgressUpdate{ID: "i-1", Status: workflow.StatusCompleted})
	assert.ErrorIs(t, err, boom)

	// 只生效一次
	rev, err := s.SaveProgress(ctx, &storage.ProgressUpdate{ID: "i-1", Status: workflow.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}
