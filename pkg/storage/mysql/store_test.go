package mysql

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/storetest"
)

func TestMySQLDialect(t *testing.T) {
	d := NewMySQLDialect()
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES (:a, :b) ON DUPLICATE KEY UPDATE b = VALUES(b)",
		d.UpsertSQL("t", []string{"a", "b"}, "a", []string{"b"}))
	assert.Contains(t, d.NormalizeDSN("root:pw@tcp(127.0.0.1:3306)/his"), "parseTime=true")
}

// 需要设置 HIS_WORKFLOW_TEST_MYSQL_DSN，并且每个子测试前清空表
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("HIS_WORKFLOW_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("未设置 HIS_WORKFLOW_TEST_MYSQL_DSN，跳过MySQL集成测试")
	}
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := NewStoreFromDSN(dsn)
		require.NoError(t, err)
		for _, table := range []string{"wf_task", "wf_instance", "wf_template"} {
			_, err := s.DB().Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		return s
	})
}
