package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/sqlstore"
)

// SQLiteDialect SQLite方言实现（对外导出）
type SQLiteDialect struct{}

// NewSQLiteDialect 创建SQLite方言实例
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name 返回方言名称
func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

// DriverName 返回驱动名
func (d *SQLiteDialect) DriverName() string {
	return "sqlite3"
}

// NormalizeDSN 补齐busy_timeout和事务锁模式
// 写事务使用IMMEDIATE，避免读锁升级为写锁时的死锁
func (d *SQLiteDialect) NormalizeDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=30000")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// UpsertSQL 返回SQLite的UPSERT语句（SQLite 3.24+ 的 ON CONFLICT DO UPDATE）
// 不使用 INSERT OR REPLACE，避免覆盖 created_at
func (d *SQLiteDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	namedPlaceholders := make([]string, len(columns))
	for i, col := range columns {
		namedPlaceholders[i] = ":" + col
	}
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(namedPlaceholders, ", "),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// Schema 返回SQLite建表语句
func (d *SQLiteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS wf_template (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			spec_json TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wf_instance (
			id TEXT PRIMARY KEY,
			template_code TEXT NOT NULL,
			template_version INTEGER NOT NULL,
			spec_json TEXT NOT NULL,
			status TEXT NOT NULL,
			input_json TEXT NOT NULL,
			context_json TEXT NOT NULL,
			cursor_json TEXT NOT NULL,
			error_message TEXT,
			next_wake_at DATETIME,
			waiting_for_event TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_status ON wf_instance(status)`,
		`CREATE TABLE IF NOT EXISTS wf_instance_wait (
			instance_id TEXT NOT NULL,
			event TEXT NOT NULL,
			PRIMARY KEY (instance_id, event)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_wait_event ON wf_instance_wait(event, instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_instance_wake ON wf_instance(status, next_wake_at)`,
		`CREATE TABLE IF NOT EXISTS wf_task (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			assignee TEXT,
			candidate_roles_json TEXT NOT NULL DEFAULT '[]',
			payload_json TEXT NOT NULL DEFAULT 'null',
			output_json TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			claimed_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_task_instance ON wf_task(instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_task_status ON wf_task(status, created_at)`,
	}
}

// ConfigureDB 返回SQLite配置SQL
func (d *SQLiteDialect) ConfigureDB() []string {
	return []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA synchronous=NORMAL;",
	}
}

// IsDuplicateKey 主键或唯一约束冲突
func (d *SQLiteDialect) IsDuplicateKey(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// NewStoreFromDSN 通过DSN创建SQLite存储（对外导出）
// 内存库每个连接相互独立，此时限制为单连接
func NewStoreFromDSN(dsn string) (*sqlstore.Store, error) {
	d := NewSQLiteDialect()
	db, err := sqlx.Open(d.DriverName(), d.NormalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	s, err := sqlstore.New(db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// 确保实现接口
var _ storage.Dialect = (*SQLiteDialect)(nil)
