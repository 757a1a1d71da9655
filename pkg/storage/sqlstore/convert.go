package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage/dao"
)

func toJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fromJSON(s string, out any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func templateToDAO(tpl *workflow.Template) (*dao.TemplateDAO, error) {
	spec, err := toJSON(tpl.Spec)
	if err != nil {
		return nil, fmt.Errorf("序列化模板spec失败: %w", err)
	}
	return &dao.TemplateDAO{
		Code:      tpl.Code,
		Name:      tpl.Name,
		Version:   tpl.Version,
		SpecJSON:  spec,
		IsActive:  tpl.IsActive,
		CreatedAt: tpl.CreatedAt.UTC(),
		UpdatedAt: tpl.UpdatedAt.UTC(),
	}, nil
}

func daoToTemplate(d *dao.TemplateDAO) (*workflow.Template, error) {
	var spec dsl.Spec
	if err := fromJSON(d.SpecJSON, &spec); err != nil {
		return nil, fmt.Errorf("解析模板spec失败: code=%s, %w", d.Code, err)
	}
	return &workflow.Template{
		Code:      d.Code,
		Name:      d.Name,
		Version:   d.Version,
		Spec:      &spec,
		IsActive:  d.IsActive,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

func instanceToDAO(inst *workflow.Instance) (*dao.InstanceDAO, error) {
	spec, err := toJSON(inst.Spec)
	if err != nil {
		return nil, fmt.Errorf("序列化spec快照失败: %w", err)
	}
	input, err := toJSON(inst.Input)
	if err != nil {
		return nil, fmt.Errorf("序列化input失败: %w", err)
	}
	ctxJSON, err := toJSON(inst.Context)
	if err != nil {
		return nil, fmt.Errorf("序列化context失败: %w", err)
	}
	cursor, err := toJSON(inst.Cursor)
	if err != nil {
		return nil, fmt.Errorf("序列化cursor失败: %w", err)
	}
	return &dao.InstanceDAO{
		ID:              inst.ID,
		TemplateCode:    inst.TemplateCode,
		TemplateVersion: inst.TemplateVersion,
		SpecJSON:        spec,
		Status:          string(inst.Status),
		InputJSON:       input,
		ContextJSON:     ctxJSON,
		CursorJSON:      cursor,
		ErrorMessage:    nullString(inst.Error),
		NextWakeAt:      nullTime(inst.NextWakeAt),
		WaitingForEvent: strings.Join(inst.WaitingForEvents, ","),
		Revision:        inst.Revision,
		CreatedAt:       inst.CreatedAt.UTC(),
		UpdatedAt:       inst.UpdatedAt.UTC(),
	}, nil
}

func daoToInstance(d *dao.InstanceDAO) (*workflow.Instance, error) {
	inst := &workflow.Instance{
		ID:              d.ID,
		TemplateCode:    d.TemplateCode,
		TemplateVersion: d.TemplateVersion,
		Status:          workflow.InstanceStatus(d.Status),
		Error:           d.ErrorMessage.String,
		NextWakeAt:      timePtr(d.NextWakeAt),
		Revision:        d.Revision,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		Context:         workflow.NewContext(),
		Cursor:          workflow.NewCursor(),
	}
	if d.WaitingForEvent != "" {
		inst.WaitingForEvents = strings.Split(d.WaitingForEvent, ",")
	}
	var spec dsl.Spec
	if err := fromJSON(d.SpecJSON, &spec); err != nil {
		return nil, fmt.Errorf("解析spec快照失败: id=%s, %w", d.ID, err)
	}
	inst.Spec = &spec
	if err := fromJSON(d.InputJSON, &inst.Input); err != nil {
		return nil, fmt.Errorf("解析input失败: id=%s, %w", d.ID, err)
	}
	if err := fromJSON(d.ContextJSON, inst.Context); err != nil {
		return nil, fmt.Errorf("解析context失败: id=%s, %w", d.ID, err)
	}
	if err := fromJSON(d.CursorJSON, inst.Cursor); err != nil {
		return nil, fmt.Errorf("解析cursor失败: id=%s, %w", d.ID, err)
	}
	// 旧数据可能缺少vars/ctx
	if inst.Context.Vars == nil {
		inst.Context.Vars = make(map[string]any)
	}
	if inst.Context.Ctx == nil {
		inst.Context.Ctx = make(map[string]any)
	}
	return inst, nil
}

func taskToDAO(t *workflow.Task) (*dao.TaskDAO, error) {
	roles := t.CandidateRoles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := toJSON(roles)
	if err != nil {
		return nil, fmt.Errorf("序列化candidate_roles失败: %w", err)
	}
	payload, err := toJSON(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("序列化payload失败: %w", err)
	}
	d := &dao.TaskDAO{
		ID:                 t.ID,
		InstanceID:         t.InstanceID,
		StepID:             t.StepID,
		Name:               t.Name,
		Assignee:           nullString(t.Assignee),
		CandidateRolesJSON: rolesJSON,
		PayloadJSON:        payload,
		Status:             string(t.Status),
		CreatedAt:          t.CreatedAt.UTC(),
		ClaimedAt:          nullTime(t.ClaimedAt),
		CompletedAt:        nullTime(t.CompletedAt),
	}
	if t.Output != nil {
		out, err := toJSON(t.Output)
		if err != nil {
			return nil, fmt.Errorf("序列化output失败: %w", err)
		}
		d.OutputJSON = nullString(out)
	}
	return d, nil
}

func daoToTask(d *dao.TaskDAO) (*workflow.Task, error) {
	t := &workflow.Task{
		ID:          d.ID,
		InstanceID:  d.InstanceID,
		StepID:      d.StepID,
		Name:        d.Name,
		Assignee:    d.Assignee.String,
		Status:      workflow.TaskStatus(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		ClaimedAt:   timePtr(d.ClaimedAt),
		CompletedAt: timePtr(d.CompletedAt),
	}
	if err := fromJSON(d.CandidateRolesJSON, &t.CandidateRoles); err != nil {
		return nil, fmt.Errorf("解析candidate_roles失败: id=%s, %w", d.ID, err)
	}
	if err := fromJSON(d.PayloadJSON, &t.Payload); err != nil {
		return nil, fmt.Errorf("解析payload失败: id=%s, %w", d.ID, err)
	}
	if d.OutputJSON.Valid {
		if err := fromJSON(d.OutputJSON.String, &t.Output); err != nil {
			return nil, fmt.Errorf("解析output失败: id=%s, %w", d.ID, err)
		}
	}
	return t, nil
}
