package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/memory"
	"github.com/LENAX/his-workflow/pkg/storage/mysql"
	"github.com/LENAX/his-workflow/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/his-workflow/pkg/storage/sqlite"
	"github.com/LENAX/his-workflow/pkg/storage/sqlstore"
)

// PoolOptions 数据库连接池参数，零值表示使用驱动默认值
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore 按数据库类型创建存储（内部方法）
// dbType: 数据库类型（memory/sqlite/mysql/postgres）
// dsn: 数据库连接字符串，memory类型忽略
func NewStore(dbType, dsn string) (storage.Store, error) {
	return NewStoreWithPool(dbType, dsn, PoolOptions{})
}

// NewStoreWithPool 创建存储并设置连接池
// SQLite内存库只能使用单连接，忽略连接池参数
func NewStoreWithPool(dbType, dsn string, pool PoolOptions) (storage.Store, error) {
	var (
		s   *sqlstore.Store
		err error
	)
	switch dbType {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite", "sqlite3":
		s, err = pkgsqlite.NewStoreFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("create sqlite store failed: %w", err)
		}
		if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
			return s, nil
		}
	case "mysql":
		s, err = mysql.NewStoreFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("create mysql store failed: %w", err)
		}
	case "postgres", "postgresql":
		s, err = postgres.NewStoreFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("create postgres store failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	applyPool(s, pool)
	return s, nil
}

func applyPool(s *sqlstore.Store, pool PoolOptions) {
	db := s.DB()
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}
