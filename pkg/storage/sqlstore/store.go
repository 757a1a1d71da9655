// Package sqlstore 基于sqlx的通用存储实现，SQL方言差异由 storage.Dialect 屏蔽。
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/storage/dao"
)

var (
	templateColumns       = []string{"code", "name", "version", "spec_json", "is_active", "created_at", "updated_at"}
	templateUpdateColumns = []string{"name", "version", "spec_json", "is_active", "updated_at"}
)

// Store storage.Store的SQL实现（对外导出）
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect

	upsertTemplateSQL string
}

// New 创建Store，执行方言配置并初始化表结构
func New(db *sqlx.DB, dialect storage.Dialect) (*Store, error) {
	s := &Store{
		db:                db,
		dialect:           dialect,
		upsertTemplateSQL: dialect.UpsertSQL("wf_template", templateColumns, "code", templateUpdateColumns),
	}
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("配置%s失败: %w", dialect.Name(), err)
		}
	}
	for _, stmt := range dialect.Schema() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	log.Printf("✅ [存储] %s 表结构初始化完成", dialect.Name())
	return s, nil
}

// Open 通过DSN打开数据库并创建Store（对外导出）
func Open(dialect storage.Dialect, dsn string) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName(), dialect.NormalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	s, err := New(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB 获取底层数据库连接
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect 当前使用的方言
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func txExec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// replaceWaits 用events覆盖实例在wf_instance_wait中的登记
func replaceWaits(ctx context.Context, tx *sqlx.Tx, id string, events []string) error {
	if _, err := txExec(ctx, tx, "DELETE FROM wf_instance_wait WHERE instance_id = ?", id); err != nil {
		return fmt.Errorf("清除等待事件失败: %w", err)
	}
	for _, event := range events {
		if _, err := txExec(ctx, tx, "INSERT INTO wf_instance_wait (instance_id, event) VALUES (?, ?)", id, event); err != nil {
			return fmt.Errorf("登记等待事件失败: %w", err)
		}
	}
	return nil
}

func (s *Store) exists(ctx context.Context, table, keyColumn, key string) (bool, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, keyColumn)
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), key); err != nil {
		return false, err
	}
	return n > 0, nil
}

func statusStrings(statuses []workflow.InstanceStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// ---------------- 模板 ----------------

// UpsertTemplate 写入模板
func (s *Store) UpsertTemplate(ctx context.Context, tpl *workflow.Template) error {
	d, err := templateToDAO(tpl)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.GetContext(ctx, &current, tx.Rebind("SELECT version FROM wf_template WHERE code = ?"), tpl.Code)
	switch {
	case err == nil:
		if tpl.Version < current {
			return fmt.Errorf("%w: code=%s, 已存储版本=%d, 提交版本=%d", storage.ErrStaleVersion, tpl.Code, current, tpl.Version)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("查询模板版本失败: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, s.upsertTemplateSQL, d); err != nil {
		return fmt.Errorf("写入模板失败: %w", err)
	}
	return tx.Commit()
}

// GetTemplate 获取生效的模板
func (s *Store) GetTemplate(ctx context.Context, code string) (*workflow.Template, error) {
	var d dao.TemplateDAO
	query := s.db.Rebind(`SELECT code, name, version, spec_json, is_active, created_at, updated_at
		FROM wf_template WHERE code = ? AND is_active = ?`)
	if err := s.db.GetContext(ctx, &d, query, code, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTemplateNotFound, code)
		}
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return daoToTemplate(&d)
}

// ListTemplates 列出生效的模板
func (s *Store) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	var rows []dao.TemplateDAO
	query := s.db.Rebind(`SELECT code, name, version, spec_json, is_active, created_at, updated_at
		FROM wf_template WHERE is_active = ? ORDER BY code`)
	if err := s.db.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}
	out := make([]*workflow.Template, 0, len(rows))
	for i := range rows {
		tpl, err := daoToTemplate(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

// ---------------- 实例 ----------------

// CreateInstance 插入新实例
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	d, err := instanceToDAO(inst)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO wf_instance (` + dao.InstanceColumns + `) VALUES (
		:id, :template_code, :template_version, :spec_json, :status, :input_json, :context_json,
		:cursor_json, :error_message, :next_wake_at, :waiting_for_event, :revision, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, d); err != nil {
		if s.dialect.IsDuplicateKey(err) {
			return fmt.Errorf("%w: instance %s", storage.ErrDuplicate, inst.ID)
		}
		return fmt.Errorf("插入实例失败: %w", err)
	}
	if err := replaceWaits(ctx, tx, inst.ID, inst.WaitingForEvents); err != nil {
		return err
	}
	return tx.Commit()
}

// GetInstance 查询实例
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	var d dao.InstanceDAO
	query := s.db.Rebind(`SELECT ` + dao.InstanceColumns + ` FROM wf_instance WHERE id = ?`)
	if err := s.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	return daoToInstance(&d)
}

// SaveProgress 按版本号条件更新实例
func (s *Store) SaveProgress(ctx context.Context, u *storage.ProgressUpdate) (int64, error) {
	cursor, err := toJSON(u.Cursor)
	if err != nil {
		return 0, fmt.Errorf("序列化cursor失败: %w", err)
	}
	ctxJSON, err := toJSON(u.Context)
	if err != nil {
		return 0, fmt.Errorf("序列化context失败: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	n, err := txExec(ctx, tx, `UPDATE wf_instance SET status = ?, cursor_json = ?, context_json = ?, error_message = ?,
		next_wake_at = ?, waiting_for_event = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		string(u.Status), cursor, ctxJSON, nullString(u.Error),
		nullTime(u.NextWakeAt), strings.Join(u.WaitingForEvents, ","), u.At.UTC(),
		u.ID, u.ExpectedRevision)
	if err != nil {
		return 0, fmt.Errorf("保存实例进度失败: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return 0, s.instanceMissOrConflict(ctx, u.ID)
	}
	if err := replaceWaits(ctx, tx, u.ID, u.WaitingForEvents); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交事务失败: %w", err)
	}
	return u.ExpectedRevision + 1, nil
}

// ClaimForRun 把实例CAS为RUNNING
func (s *Store) ClaimForRun(ctx context.Context, c *storage.RunClaim) (int64, error) {
	if len(c.From) == 0 {
		return 0, fmt.Errorf("ClaimForRun 缺少允许的状态")
	}

	set := "status = ?, next_wake_at = NULL, waiting_for_event = '', revision = revision + 1, updated_at = ?"
	args := []any{string(workflow.StatusRunning), c.At.UTC()}
	if c.Cursor != nil {
		cursor, err := toJSON(c.Cursor)
		if err != nil {
			return 0, fmt.Errorf("序列化cursor失败: %w", err)
		}
		set += ", cursor_json = ?"
		args = append(args, cursor)
	}
	if c.Context != nil {
		ctxJSON, err := toJSON(c.Context)
		if err != nil {
			return 0, fmt.Errorf("序列化context失败: %w", err)
		}
		set += ", context_json = ?"
		args = append(args, ctxJSON)
	}
	args = append(args, c.ID, c.ExpectedRevision, statusStrings(c.From))

	query, inArgs, err := sqlx.In("UPDATE wf_instance SET "+set+" WHERE id = ? AND revision = ? AND status IN (?)", args...)
	if err != nil {
		return 0, err
	}
	// wf_instance_wait的登记保留到下一次SaveProgress
	n, err := s.exec(ctx, query, inArgs...)
	if err != nil {
		return 0, fmt.Errorf("认领实例失败: %w", err)
	}
	if n == 0 {
		return 0, s.instanceMissOrConflict(ctx, c.ID)
	}
	return c.ExpectedRevision + 1, nil
}

// TransitionStatus 按状态条件迁移实例
func (s *Store) TransitionStatus(ctx context.Context, t *storage.StatusTransition) (int64, error) {
	if len(t.From) == 0 {
		return 0, fmt.Errorf("TransitionStatus 缺少允许的状态")
	}
	query, args, err := sqlx.In(`UPDATE wf_instance SET status = ?, error_message = ?, next_wake_at = NULL,
		waiting_for_event = '', revision = revision + 1, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(t.To), nullString(t.Error), t.At.UTC(), t.ID, statusStrings(t.From))
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	n, err := txExec(ctx, tx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("迁移实例状态失败: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return 0, s.instanceMissOrConflict(ctx, t.ID)
	}
	if err := replaceWaits(ctx, tx, t.ID, nil); err != nil {
		return 0, err
	}

	var revision int64
	if err := tx.GetContext(ctx, &revision, tx.Rebind("SELECT revision FROM wf_instance WHERE id = ?"), t.ID); err != nil {
		return 0, fmt.Errorf("查询实例版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交事务失败: %w", err)
	}
	return revision, nil
}

func (s *Store) instanceMissOrConflict(ctx context.Context, id string) error {
	ok, err := s.exists(ctx, "wf_instance", "id", id)
	if err != nil {
		return fmt.Errorf("查询实例失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, id)
	}
	return fmt.Errorf("%w: instance %s", storage.ErrConflict, id)
}

func (s *Store) selectInstances(ctx context.Context, query string, args ...any) ([]*workflow.Instance, error) {
	var rows []dao.InstanceDAO
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询实例列表失败: %w", err)
	}
	out := make([]*workflow.Instance, 0, len(rows))
	for i := range rows {
		inst, err := daoToInstance(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// ListWaitingForEvent 通过wf_instance_wait查询登记了指定事件的实例
func (s *Store) ListWaitingForEvent(ctx context.Context, event string) ([]*workflow.Instance, error) {
	query, args, err := sqlx.In(`SELECT `+dao.InstanceColumns+` FROM wf_instance
		WHERE status IN (?) AND id IN (SELECT instance_id FROM wf_instance_wait WHERE event = ?)
		ORDER BY created_at, id`,
		statusStrings(storage.EventWaitStatuses), event)
	if err != nil {
		return nil, err
	}
	return s.selectInstances(ctx, query, args...)
}

// ListDueTimers 查询到期的等待实例
func (s *Store) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.selectInstances(ctx,
		`SELECT `+dao.InstanceColumns+` FROM wf_instance
		WHERE status = ? AND next_wake_at IS NOT NULL AND next_wake_at <= ?
		ORDER BY next_wake_at, id LIMIT ?`,
		string(workflow.StatusWaiting), now.UTC(), limit)
}

// ListByStatus 按状态查询实例
func (s *Store) ListByStatus(ctx context.Context, statuses []workflow.InstanceStatus, limit int) ([]*workflow.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + dao.InstanceColumns + ` FROM wf_instance WHERE status IN (?) ORDER BY created_at, id`
	args := []any{statusStrings(statuses)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	return s.selectInstances(ctx, query, inArgs...)
}

// ---------------- 人工任务 ----------------

// CreateTask 插入任务
func (s *Store) CreateTask(ctx context.Context, task *workflow.Task) error {
	d, err := taskToDAO(task)
	if err != nil {
		return err
	}
	query := `INSERT INTO wf_task (` + dao.TaskColumns + `) VALUES (
		:id, :instance_id, :step_id, :name, :assignee, :candidate_roles_json, :payload_json,
		:output_json, :status, :created_at, :claimed_at, :completed_at)`
	if _, err := s.db.NamedExecContext(ctx, query, d); err != nil {
		if s.dialect.IsDuplicateKey(err) {
			return fmt.Errorf("%w: task %s", storage.ErrDuplicate, task.ID)
		}
		return fmt.Errorf("插入任务失败: %w", err)
	}
	return nil
}

// GetTask 查询任务
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var d dao.TaskDAO
	query := s.db.Rebind(`SELECT ` + dao.TaskColumns + ` FROM wf_task WHERE id = ?`)
	if err := s.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return daoToTask(&d)
}

// ClaimTask 认领任务，仅READY状态可认领
func (s *Store) ClaimTask(ctx context.Context, id, assignee string, at time.Time) error {
	n, err := s.exec(ctx,
		`UPDATE wf_task SET assignee = ?, claimed_at = ?, status = ? WHERE id = ? AND status = ?`,
		nullString(assignee), at.UTC(), string(workflow.TaskStatusClaimed),
		id, string(workflow.TaskStatusReady))
	if err != nil {
		return fmt.Errorf("认领任务失败: %w", err)
	}
	if n == 0 {
		return s.taskMissOrNotClaimable(ctx, id)
	}
	return nil
}

// CompleteTask 完成任务
// READY状态的任务直接完成时，完成人同时记为认领人
func (s *Store) CompleteTask(ctx context.Context, c *storage.TaskCompletion) error {
	var output sql.NullString
	if c.Output != nil {
		out, err := toJSON(c.Output)
		if err != nil {
			return fmt.Errorf("序列化output失败: %w", err)
		}
		output = nullString(out)
	}
	at := c.At.UTC()
	ready := string(workflow.TaskStatusReady)

	// MySQL按SET顺序求值，status必须最后赋值
	n, err := s.exec(ctx, `UPDATE wf_task SET
		assignee = CASE WHEN status = ? THEN ? ELSE assignee END,
		claimed_at = CASE WHEN status = ? THEN ? ELSE claimed_at END,
		output_json = ?, completed_at = ?, status = ?
		WHERE id = ? AND (status = ? OR (status = ? AND (assignee = ? OR ? = '')))`,
		ready, nullString(c.User),
		ready, at,
		output, at, string(workflow.TaskStatusCompleted),
		c.ID, ready, string(workflow.TaskStatusClaimed), c.User, c.User)
	if err != nil {
		return fmt.Errorf("完成任务失败: %w", err)
	}
	if n == 0 {
		return s.taskMissOrNotClaimable(ctx, c.ID)
	}
	return nil
}

func (s *Store) taskMissOrNotClaimable(ctx context.Context, id string) error {
	ok, err := s.exists(ctx, "wf_task", "id", id)
	if err != nil {
		return fmt.Errorf("查询任务失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	return fmt.Errorf("%w: %s", storage.ErrTaskNotClaimable, id)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*workflow.Task, error) {
	var rows []dao.TaskDAO
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	out := make([]*workflow.Task, 0, len(rows))
	for i := range rows {
		t, err := daoToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListTasksByInstance 列出实例的任务
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID string) ([]*workflow.Task, error) {
	return s.selectTasks(ctx,
		`SELECT `+dao.TaskColumns+` FROM wf_task WHERE instance_id = ? ORDER BY created_at, id`,
		instanceID)
}

// ListReadyTasks 列出待认领任务
func (s *Store) ListReadyTasks(ctx context.Context, role string, limit int) ([]*workflow.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if role == "" {
		return s.selectTasks(ctx,
			`SELECT `+dao.TaskColumns+` FROM wf_task WHERE status = ? ORDER BY created_at, id LIMIT ?`,
			string(workflow.TaskStatusReady), limit)
	}

	// LIKE只做粗筛（_会匹配任意字符），结果再按角色精确过滤
	tasks, err := s.selectTasks(ctx,
		`SELECT `+dao.TaskColumns+` FROM wf_task
		WHERE status = ? AND (candidate_roles_json = '[]' OR candidate_roles_json LIKE ?)
		ORDER BY created_at, id LIMIT ?`,
		string(workflow.TaskStatusReady), `%"`+role+`"%`, limit)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.AllowsRoles([]string{role}) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
