package dao

import (
	"database/sql"
	"time"
)

// InstanceDAO wf_instance表的数据访问对象（内部使用）
type InstanceDAO struct {
	ID              string         `db:"id"`
	TemplateCode    string         `db:"template_code"`
	TemplateVersion int            `db:"template_version"`
	SpecJSON        string         `db:"spec_json"`
	Status          string         `db:"status"`
	InputJSON       string         `db:"input_json"`
	ContextJSON     string         `db:"context_json"`
	CursorJSON      string         `db:"cursor_json"`
	ErrorMessage    sql.NullString `db:"error_message"`
	NextWakeAt      sql.NullTime   `db:"next_wake_at"`
	WaitingForEvent string         `db:"waiting_for_event"` // 逗号分隔，仅用于展示
	Revision        int64          `db:"revision"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// InstanceColumns SELECT使用的列清单
const InstanceColumns = `id, template_code, template_version, spec_json, status, input_json, context_json,
	cursor_json, error_message, next_wake_at, waiting_for_event, revision, created_at, updated_at`
