package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/storage/sqlstore"
)

func TestNewStore(t *testing.T) {
	s, err := NewStore("memory", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore("sqlite", filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewStore("oracle", "")
	assert.Error(t, err)
}

func TestNewStoreWithPool(t *testing.T) {
	s, err := NewStoreWithPool("sqlite", filepath.Join(t.TempDir(), "wf.db"), PoolOptions{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	require.NoError(t, err)
	defer s.Close()

	sq, ok := s.(*sqlstore.Store)
	require.True(t, ok)
	assert.Equal(t, 4, sq.DB().Stats().MaxOpenConnections)

	// 内存库保持单连接
	mem, err := NewStoreWithPool("sqlite", ":memory:", PoolOptions{MaxOpenConns: 8})
	require.NoError(t, err)
	defer mem.Close()
	assert.Equal(t, 1, mem.(*sqlstore.Store).DB().Stats().MaxOpenConnections)
}
