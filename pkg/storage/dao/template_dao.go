package dao

import "time"

// TemplateDAO wf_template表的数据访问对象（内部使用）
type TemplateDAO struct {
	Code      string    `db:"code"`
	Name      string    `db:"name"`
	Version   int       `db:"version"`
	SpecJSON  string    `db:"spec_json"` // JSON格式存储
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
