package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/api/middleware"
	"github.com/LENAX/his-workflow/pkg/core/engine"
	"github.com/LENAX/his-workflow/pkg/core/types"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage/memory"
)

const triageTemplate = `{"code":"triage","name":"分诊","version":1,"spec":{"steps":[
  {"id":"triage","save_as":"triage","task":{"name":"triage","candidate_roles":["nurse"],"payload":{"bed":"${input.bed}"}}},
  {"id":"after","assign":{"variables":{"level":"ctx.triage.level"}}}
]}}`

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiEnv struct {
	eng     *engine.Engine
	handler http.Handler
}

func newAPIEnv(t *testing.T, auth bool) *apiEnv {
	t.Helper()
	sender := types.SenderFunc(func(ctx context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
		return &types.HTTPResponse{StatusCode: 200, Body: map[string]any{"ok": true}}, nil
	})
	eng, err := engine.New(memory.NewStore(), engine.WithSender(sender))
	require.NoError(t, err)
	return &apiEnv{
		eng:     eng,
		handler: SetupRouter(eng, RouterConfig{Version: "test", AuthEnabled: auth, Mode: "test"}),
	}
}

// do 发送请求，headers依次为 key, value
func (e *apiEnv) do(t *testing.T, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestRewritePath(t *testing.T) {
	cases := map[string]string{
		"/api/v1/templates:upsert":      "/api/v1/templates/@upsert",
		"/api/v1/instances:start/admit": "/api/v1/instances/@start/admit",
		"/api/v1/tasks/t-1:claim":       "/api/v1/tasks/t-1/@claim",
		"/api/v1/instances/abc:cancel":  "/api/v1/instances/abc/@cancel",
		"/api/v1/instances/abc":         "/api/v1/instances/abc",
		"/api/v1/instances/abc:":        "/api/v1/instances/abc:",
	}
	for in, want := range cases {
		got, _ := rewritePath(in)
		assert.Equal(t, want, got, in)
	}
}

func TestHasPermission(t *testing.T) {
	assert.True(t, middleware.HasPermission([]string{"*"}, middleware.PermAdmin))
	assert.True(t, middleware.HasPermission([]string{"workflow.task.*"}, middleware.PermTaskClaim))
	assert.True(t, middleware.HasPermission([]string{"a", middleware.PermEventPublish}, middleware.PermEventPublish))
	assert.False(t, middleware.HasPermission([]string{"workflow.task.*"}, middleware.PermTemplateWrite))
	assert.False(t, middleware.HasPermission(nil, middleware.PermTaskRead))
}

func TestAPI_TaskLifecycle(t *testing.T) {
	env := newAPIEnv(t, false)

	code, resp := env.do(t, http.MethodPost, "/api/v1/templates:upsert", triageTemplate)
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = env.do(t, http.MethodGet, "/api/v1/templates", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Total int `json:"total"`
		Items []struct {
			Code      string `json:"code"`
			StepCount int    `json:"step_count"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "triage", list.Items[0].Code)
	assert.Equal(t, 2, list.Items[0].StepCount)

	code, resp = env.do(t, http.MethodGet, "/api/v1/templates/triage", "")
	require.Equal(t, http.StatusOK, code)
	var tpl workflow.Template
	require.NoError(t, json.Unmarshal(resp.Data, &tpl))
	assert.Equal(t, "分诊", tpl.Name)
	assert.Equal(t, 1, tpl.Version)

	code, resp = env.do(t, http.MethodPost, "/api/v1/instances:start/triage", `{"input":{"bed":"A-3"}}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var started struct {
		InstanceID string `json:"instance_id"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &started))
	assert.Equal(t, "WAITING", started.Status)

	code, resp = env.do(t, http.MethodGet, "/api/v1/instances/"+started.InstanceID+"/tasks", "")
	require.Equal(t, http.StatusOK, code)
	var tasks []workflow.Task
	require.NoError(t, json.Unmarshal(resp.Data, &tasks))
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	code, resp = env.do(t, http.MethodGet, "/api/v1/tasks?role=nurse", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &tasks))
	require.Len(t, tasks, 1)

	// 缺少用户
	code, _ = env.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+":claim", "")
	assert.Equal(t, http.StatusBadRequest, code)
	// 角色不符
	code, _ = env.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+":claim", "",
		middleware.HeaderUser, "mallory", middleware.HeaderRoles, "pharmacist")
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+":claim", "",
		middleware.HeaderUser, "alice", middleware.HeaderRoles, "nurse, head_nurse")
	require.Equal(t, http.StatusOK, code, resp.Message)

	// 重复认领冲突
	code, _ = env.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+":claim", "",
		middleware.HeaderUser, "bob", middleware.HeaderRoles, "nurse")
	assert.Equal(t, http.StatusConflict, code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+":complete", `{"output":{"level":2}}`,
		middleware.HeaderUser, "alice", middleware.HeaderRoles, "nurse")
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, code)
	var task workflow.Task
	require.NoError(t, json.Unmarshal(resp.Data, &task))
	assert.Equal(t, workflow.TaskStatusCompleted, task.Status)
	assert.Equal(t, "alice", task.Assignee)

	code, resp = env.do(t, http.MethodGet, "/api/v1/instances/"+started.InstanceID, "")
	require.Equal(t, http.StatusOK, code)
	var inst workflow.Instance
	require.NoError(t, json.Unmarshal(resp.Data, &inst))
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.EqualValues(t, 2, inst.Context.Vars["level"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	env := newAPIEnv(t, false)

	// DSL校验失败返回问题列表
	code, resp := env.do(t, http.MethodPost, "/api/v1/templates:upsert",
		`{"code":"bad","version":1,"spec":{"steps":[{"id":"a"}]}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 400, resp.Code)
	assert.Contains(t, string(resp.Data), "problems")

	// 未知字段
	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert",
		`{"code":"bad","version":1,"spec":{"steps":[{"id":"a","htp":{}}]}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// 缺少spec
	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert", `{"code":"bad","version":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// YAML模板
	code, resp = env.do(t, http.MethodPost, "/api/v1/templates:upsert",
		`{"code":"y","version":2,"spec_yaml":"steps:\n  - id: a\n    assign:\n      variables:\n        x: \"1\"\n"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)

	// 显式的 "spec":null 等同于未提供
	code, resp = env.do(t, http.MethodPost, "/api/v1/templates:upsert",
		`{"code":"y","version":2,"spec":null,"spec_yaml":"steps:\n  - id: a\n    assign:\n      variables:\n        x: \"2\"\n"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert", `{"code":"y","version":3,"spec":null}`)
	assert.Equal(t, http.StatusBadRequest, code)

	// 版本回退
	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert",
		`{"code":"y","version":1,"spec":{"steps":[{"id":"a","assign":{"variables":{"x":"1"}}}]}}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/instances:start/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/instances/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/templates/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	// 已完成的实例不能取消
	code, resp = env.do(t, http.MethodPost, "/api/v1/instances:start/y", "")
	require.Equal(t, http.StatusOK, code, resp.Message)
	var started struct {
		InstanceID string `json:"instance_id"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &started))
	require.Equal(t, "COMPLETED", started.Status)
	code, _ = env.do(t, http.MethodPost, "/api/v1/instances/"+started.InstanceID+":cancel", `{}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestAPI_CancelWaitingInstance(t *testing.T) {
	env := newAPIEnv(t, false)
	code, _ := env.do(t, http.MethodPost, "/api/v1/templates:upsert", triageTemplate)
	require.Equal(t, http.StatusOK, code)
	inst, err := env.eng.StartInstance(context.Background(), "triage", map[string]any{"bed": "B-1"})
	require.NoError(t, err)

	code, resp := env.do(t, http.MethodPost, "/api/v1/instances/"+inst.ID+":cancel", `{"reason":"患者转院"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var got workflow.Instance
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.Equal(t, "患者转院", got.Error)
}

func TestAPI_Events(t *testing.T) {
	env := newAPIEnv(t, false)
	code, resp := env.do(t, http.MethodPost, "/api/v1/templates:upsert", `{"code":"lab","version":1,"spec":{"steps":[
	  {"id":"order","http":{"url":"http://lis/orders","wait_for_event":{"event":"lab.result","response_key":"result"}}}
	]}}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	inst, err := env.eng.StartInstance(context.Background(), "lab", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusWaiting, inst.Status)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/events",
		`{"event":"lab.result","payload":{"value":7},"correlation_id":"`+inst.ID+`"}`)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var out struct {
		Event   string   `json:"event"`
		Resumed []string `json:"resumed"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, []string{inst.ID}, out.Resumed)

	got, err := env.eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"value": float64(7)}, got.Context.Ctx["result"])
}

func TestAPI_PermissionGate(t *testing.T) {
	env := newAPIEnv(t, true)

	code, resp := env.do(t, http.MethodPost, "/api/v1/templates:upsert", triageTemplate)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, resp.Message, middleware.PermTemplateWrite)

	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert", triageTemplate,
		middleware.HeaderPermissions, middleware.PermTemplateRead)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/templates:upsert", triageTemplate,
		middleware.HeaderPermissions, "workflow.template.read, workflow.template.write")
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/breakers", "", middleware.HeaderPermissions, "workflow.task.*")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/breakers", "", middleware.HeaderPermissions, "*")
	assert.Equal(t, http.StatusOK, code)

	// 健康检查不校验权限
	code, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_Ready(t *testing.T) {
	env := newAPIEnv(t, false)
	code, _ := env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	require.NoError(t, env.eng.Start(context.Background()))
	defer env.eng.Stop()
	code, _ = env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, code)
}
