// Package hisworkflow 是HIS工作流引擎HTTP API的客户端，供CLI使用。
package hisworkflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/api/middleware"
	"github.com/LENAX/his-workflow/pkg/core/breaker"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// Identity 调用方身份，对应网关注入的请求头
type Identity struct {
	User        string
	Roles       []string
	Permissions []string
}

// APIError 服务端返回的错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound 是否为资源不存在
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client HIS工作流API客户端
type Client struct {
	baseURL    string
	identity   Identity
	httpClient *http.Client
}

// New 创建客户端
func New(baseURL string, identity Identity) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ========== Template API ==========

// UpsertTemplate 新增或更新模板，spec为JSON或YAML文本
func (c *Client) UpsertTemplate(code, name string, version int, spec []byte) (*workflow.Template, error) {
	req := dto.UpsertTemplateRequest{Code: code, Name: name, Version: version}
	trimmed := bytes.TrimSpace(spec)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		req.Spec = json.RawMessage(trimmed)
	} else {
		req.SpecYAML = string(spec)
	}
	var tpl workflow.Template
	if err := c.do(http.MethodPost, "/api/v1/templates:upsert", req, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ListTemplates 列出模板
func (c *Client) ListTemplates() (*dto.ListResponse[dto.TemplateSummary], error) {
	var out dto.ListResponse[dto.TemplateSummary]
	if err := c.do(http.MethodGet, "/api/v1/templates", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTemplate 获取模板
func (c *Client) GetTemplate(code string) (*workflow.Template, error) {
	var tpl workflow.Template
	if err := c.do(http.MethodGet, "/api/v1/templates/"+url.PathEscape(code), nil, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ========== Instance API ==========

// StartInstance 启动实例
func (c *Client) StartInstance(code string, input map[string]any) (*dto.StartResponse, error) {
	var out dto.StartResponse
	req := dto.StartInstanceRequest{Input: input}
	if err := c.do(http.MethodPost, "/api/v1/instances:start/"+url.PathEscape(code), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance 获取实例
func (c *Client) GetInstance(id string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := c.do(http.MethodGet, "/api/v1/instances/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstanceTasks 获取实例的人工任务
func (c *Client) GetInstanceTasks(id string) ([]*workflow.Task, error) {
	var tasks []*workflow.Task
	if err := c.do(http.MethodGet, "/api/v1/instances/"+url.PathEscape(id)+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelInstance 取消实例
func (c *Client) CancelInstance(id, reason string) (*workflow.Instance, error) {
	var inst workflow.Instance
	req := dto.CancelInstanceRequest{Reason: reason}
	if err := c.do(http.MethodPost, "/api/v1/instances/"+url.PathEscape(id)+":cancel", req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ========== Task API ==========

// GetTask 获取任务
func (c *Client) GetTask(id string) (*workflow.Task, error) {
	var task workflow.Task
	if err := c.do(http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListReadyTasks 待认领任务
func (c *Client) ListReadyTasks(role string, limit int) ([]*workflow.Task, error) {
	params := url.Values{}
	if role != "" {
		params.Set("role", role)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var tasks []*workflow.Task
	if err := c.do(http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ClaimTask 认领任务
func (c *Client) ClaimTask(id string) (*workflow.Task, error) {
	var task workflow.Task
	if err := c.do(http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+":claim", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask 完成任务
func (c *Client) CompleteTask(id string, output map[string]any) (*workflow.Task, error) {
	var task workflow.Task
	req := dto.CompleteTaskRequest{Output: output}
	if err := c.do(http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+":complete", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ========== Event API ==========

// SendEvent 投递业务事件
func (c *Client) SendEvent(event string, payload any, correlationID string) (*dto.EventResponse, error) {
	var out dto.EventResponse
	req := dto.EventRequest{Event: event, Payload: payload, CorrelationID: correlationID}
	if err := c.do(http.MethodPost, "/api/v1/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== Admin API ==========

// Breakers 熔断状态
func (c *Client) Breakers() ([]breaker.Snapshot, error) {
	var out []breaker.Snapshot
	if err := c.do(http.MethodGet, "/api/v1/breakers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health 健康检查
func (c *Client) Health() (*dto.HealthResponse, error) {
	var out dto.HealthResponse
	if err := c.do(http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ========== HTTP Methods ==========

func (c *Client) do(method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity.User != "" {
		req.Header.Set(middleware.HeaderUser, c.identity.User)
	}
	if len(c.identity.Roles) > 0 {
		req.Header.Set(middleware.HeaderRoles, strings.Join(c.identity.Roles, ","))
	}
	if len(c.identity.Permissions) > 0 {
		req.Header.Set(middleware.HeaderPermissions, strings.Join(c.identity.Permissions, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	return parseResponse(resp, result)
}

func parseResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var envelope dto.APIResponse[json.RawMessage]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	if resp.StatusCode >= 400 || envelope.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if result == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}
