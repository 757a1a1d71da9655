package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/sqlstore"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// NormalizeDSN PostgreSQL的DSN原样使用
func (d *PostgresDialect) NormalizeDSN(dsn string) string {
	return dsn
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT DO UPDATE）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	namedPlaceholders := make([]string, len(columns))
	for i, col := range columns {
		namedPlaceholders[i] = ":" + col
	}

	// 构建ON CONFLICT DO UPDATE子句
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(namedPlaceholders, ", "),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// Schema 返回PostgreSQL建表语句
func (d *PostgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS wf_template (
			code VARCHAR(128) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			spec_json TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wf_instance (
			id VARCHAR(64) PRIMARY KEY,
			template_code VARCHAR(128) NOT NULL,
			template_version INTEGER NOT NULL,
			spec_json TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			input_json TEXT NOT NULL,
			context_json TEXT NOT NULL,
			cursor_json TEXT NOT NULL,
			error_message TEXT,
			next_wake_at TIMESTAMPTZ,
			waiting_for_event TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_status ON wf_instance(status)`,
		`CREATE TABLE IF NOT EXISTS wf_instance_wait (
			instance_id VARCHAR(64) NOT NULL,
			event VARCHAR(255) NOT NULL,
			PRIMARY KEY (instance_id, event)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_wait_event ON wf_instance_wait(event, instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_wake ON wf_instance(status, next_wake_at)`,
		`CREATE TABLE IF NOT EXISTS wf_task (
			id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			step_id VARCHAR(128) NOT NULL,
			name VARCHAR(255) NOT NULL,
			assignee VARCHAR(128),
			candidate_roles_json TEXT NOT NULL DEFAULT '[]',
			payload_json TEXT NOT NULL DEFAULT 'null',
			output_json TEXT,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_task_instance ON wf_task(instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_task_status ON wf_task(status, created_at)`,
	}
}

// ConfigureDB 返回PostgreSQL配置SQL
func (d *PostgresDialect) ConfigureDB() []string {
	return []string{
		"SET timezone = 'UTC';",
	}
}

// IsDuplicateKey unique_violation
func (d *PostgresDialect) IsDuplicateKey(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// NewStoreFromDSN 通过DSN创建PostgreSQL存储（对外导出）
func NewStoreFromDSN(dsn string) (*sqlstore.Store, error) {
	return sqlstore.Open(NewPostgresDialect(), dsn)
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
