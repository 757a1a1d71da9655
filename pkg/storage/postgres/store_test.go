package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/storetest"
)

func TestPostgresDialect(t *testing.T) {
	d := NewPostgresDialect()
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES (:a, :b) ON CONFLICT (a) DO UPDATE SET b = EXCLUDED.b",
		d.UpsertSQL("t", []string{"a", "b"}, "a", []string{"b"}))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("HIS_WORKFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("未设置 HIS_WORKFLOW_TEST_POSTGRES_DSN，跳过PostgreSQL集成测试")
	}
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := NewStoreFromDSN(dsn)
		require.NoError(t, err)
		_, err = s.DB().Exec("TRUNCATE wf_task, wf_instance, wf_template")
		require.NoError(t, err)
		return s
	})
}
