package mysql

import (
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/sqlstore"
)

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// NormalizeDSN 补齐parseTime和loc参数，时间统一按UTC读写
func (d *MySQLDialect) NormalizeDSN(dsn string) string {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return dsn
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// UpsertSQL 返回MySQL的UPSERT语句（使用ON DUPLICATE KEY UPDATE）
func (d *MySQLDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	namedPlaceholders := make([]string, len(columns))
	for i, col := range columns {
		namedPlaceholders[i] = ":" + col
	}

	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(namedPlaceholders, ", "),
		strings.Join(updateParts, ", "),
	)
}

// Schema 返回MySQL建表语句（MySQL不支持CREATE INDEX IF NOT EXISTS，索引随表创建）
func (d *MySQLDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS wf_template (
			code VARCHAR(128) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			version INT NOT NULL,
			spec_json LONGTEXT NOT NULL,
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS wf_instance (
			id VARCHAR(64) PRIMARY KEY,
			template_code VARCHAR(128) NOT NULL,
			template_version INT NOT NULL,
			spec_json LONGTEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			input_json LONGTEXT NOT NULL,
			context_json LONGTEXT NOT NULL,
			cursor_json LONGTEXT NOT NULL,
			error_message TEXT,
			next_wake_at DATETIME(6) NULL,
			waiting_for_event TEXT NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_wf_instance_status (status),
			INDEX idx_wf_instance_wake (status, next_wake_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS wf_instance_wait (
			instance_id VARCHAR(64) NOT NULL,
			event VARCHAR(255) NOT NULL,
			PRIMARY KEY (instance_id, event),
			INDEX idx_wf_instance_wait_event (event, instance_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS wf_task (
			id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			step_id VARCHAR(128) NOT NULL,
			name VARCHAR(255) NOT NULL,
			assignee VARCHAR(128) NULL,
			candidate_roles_json TEXT NOT NULL,
			payload_json LONGTEXT NOT NULL,
			output_json LONGTEXT NULL,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			claimed_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			INDEX idx_wf_task_instance (instance_id),
			INDEX idx_wf_task_status (status, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}

// ConfigureDB MySQL无需额外配置
func (d *MySQLDialect) ConfigureDB() []string {
	return nil
}

// IsDuplicateKey ER_DUP_ENTRY
func (d *MySQLDialect) IsDuplicateKey(err error) bool {
	var me *driver.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}

// NewStoreFromDSN 通过DSN创建MySQL存储（对外导出）
func NewStoreFromDSN(dsn string) (*sqlstore.Store, error) {
	return sqlstore.Open(NewMySQLDialect(), dsn)
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
