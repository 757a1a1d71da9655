package dao

import (
	"database/sql"
	"time"
)

// TaskDAO wf_task表的数据访问对象（内部使用）
type TaskDAO struct {
	ID                 string         `db:"id"`
	InstanceID         string         `db:"instance_id"`
	StepID             string         `db:"step_id"`
	Name               string         `db:"name"`
	Assignee           sql.NullString `db:"assignee"`
	CandidateRolesJSON string         `db:"candidate_roles_json"` // JSON格式存储
	PayloadJSON        string         `db:"payload_json"`
	OutputJSON         sql.NullString `db:"output_json"`
	Status             string         `db:"status"`
	CreatedAt          time.Time      `db:"created_at"`
	ClaimedAt          sql.NullTime   `db:"claimed_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

// TaskColumns SELECT使用的列清单
const TaskColumns = `id, instance_id, step_id, name, assignee, candidate_roles_json, payload_json,
	output_json, status, created_at, claimed_at, completed_at`
