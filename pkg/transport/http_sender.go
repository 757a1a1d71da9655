// Package transport 提供引擎调用下游HIS服务的HTTP实现。
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/types"
)

// maxResponseBytes 响应体读取上限
const maxResponseBytes = 10 << 20

// Config HTTP调用配置
type Config struct {
	// Timeout 请求未指定超时时使用
	Timeout time.Duration
	// DefaultHeaders 每个请求都附带的请求头，步骤中的同名请求头优先
	DefaultHeaders map[string]string
	UserAgent      string
}

// HTTPSender 基于net/http的 types.Sender 实现（对外导出）
type HTTPSender struct {
	client *http.Client
	cfg    Config
}

// NewHTTPSender 创建HTTP调用器，client为nil时使用默认Transport
func NewHTTPSender(client *http.Client, cfg Config) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "his-workflow"
	}
	return &HTTPSender{client: client, cfg: cfg}
}

// Send 发送请求
// 传输层错误（连接失败、超时）通过error返回；任何状态码的响应都正常返回
func (s *HTTPSender) Send(ctx context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := encodeBody(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.cfg.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s 调用失败: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s 读取响应失败: %w", method, req.URL, err)
	}
	return &types.HTTPResponse{StatusCode: resp.StatusCode, Body: decodeBody(raw)}, nil
}

func encodeBody(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	return data, nil
}

// decodeBody 优先按JSON解码，失败时返回原始字符串，空响应返回nil
func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(raw)
}

var _ types.Sender = (*HTTPSender)(nil)
