package storage

// Dialect 数据库方言接口（对外导出）
// 屏蔽SQLite、MySQL、PostgreSQL在驱动名、DDL和UPSERT语法上的差异，
// 占位符差异由 sqlx.DB.Rebind 处理
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回database/sql注册的驱动名
	DriverName() string

	// NormalizeDSN 补齐驱动需要的DSN参数
	NormalizeDSN(dsn string) string

	// UpsertSQL 返回INSERT或UPDATE的SQL语句（使用:name命名参数）
	// tableName: 表名
	// columns: 列名列表
	// conflictColumn: 冲突判断列（通常是主键）
	// updateColumns: 需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// Schema 返回建表和建索引的DDL语句，必须可重复执行
	Schema() []string

	// ConfigureDB 配置数据库连接（如SQLite的PRAGMA）
	// 返回需要执行的SQL语句列表
	ConfigureDB() []string

	// IsDuplicateKey 判断驱动错误是否为主键/唯一键冲突
	IsDuplicateKey(err error) bool
}
