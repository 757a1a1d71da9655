package plugin

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/types"
)

// WebhookPlugin 把实例失败、补偿等事件推送给HIS消息中心（对外导出）
type WebhookPlugin struct {
	name    string
	sender  types.Sender
	url     string
	headers map[string]string
	timeout time.Duration
	enabled bool
}

// NewWebhookPlugin 创建通知插件
func NewWebhookPlugin(sender types.Sender) *WebhookPlugin {
	return &WebhookPlugin{
		name:    "webhook",
		sender:  sender,
		enabled: false,
	}
}

// Name 插件名称（实现Plugin接口）
func (w *WebhookPlugin) Name() string {
	return w.name
}

// Init 初始化插件（实现Plugin接口）
// url: 必填
// timeout_seconds: 可选，默认5
// header.<Name>: 可选，附加请求头
func (w *WebhookPlugin) Init(params map[string]string) error {
	if w.sender == nil {
		return fmt.Errorf("webhook插件缺少HTTP调用器")
	}
	w.url = params["url"]
	if w.url == "" {
		return fmt.Errorf("url参数不能为空")
	}

	w.timeout = 5 * time.Second
	if s := params["timeout_seconds"]; s != "" {
		var secs int
		if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || secs <= 0 {
			return fmt.Errorf("timeout_seconds参数格式错误: %s", s)
		}
		w.timeout = time.Duration(secs) * time.Second
	}

	w.headers = make(map[string]string)
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			w.headers[name] = v
		}
	}

	w.enabled = true
	log.Printf("✅ [WebhookPlugin] 初始化完成: URL=%s", w.url)
	return nil
}

// Execute 推送通知（实现Plugin接口）
func (w *WebhookPlugin) Execute(data interface{}) error {
	if !w.enabled {
		return fmt.Errorf("webhook插件未初始化")
	}
	pd, ok := data.(PluginData)
	if !ok {
		return fmt.Errorf("插件数据类型错误")
	}

	body := map[string]any{
		"title":         w.buildTitle(pd),
		"event":         string(pd.Event),
		"template_code": pd.TemplateCode,
		"instance_id":   pd.InstanceID,
		"status":        pd.Status,
	}
	if pd.StepID != "" {
		body["step_id"] = pd.StepID
	}
	if pd.TaskID != "" {
		body["task_id"] = pd.TaskID
	}
	if pd.Error != nil {
		body["error"] = pd.Error.Error()
	}
	if len(pd.Data) > 0 {
		body["data"] = pd.Data
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	resp, err := w.sender.Send(ctx, &types.HTTPRequest{
		Method:  "POST",
		URL:     w.url,
		Headers: w.headers,
		Body:    body,
		Timeout: w.timeout,
	})
	if err != nil {
		log.Printf("❌ [WebhookPlugin] 推送失败: %v", err)
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook返回状态码 %d", resp.StatusCode)
	}
	log.Printf("✅ [WebhookPlugin] 推送成功: Event=%s, Instance=%s", pd.Event, pd.InstanceID)
	return nil
}

// buildTitle 构建通知标题
func (w *WebhookPlugin) buildTitle(data PluginData) string {
	switch data.Event {
	case EventInstanceStarted:
		return fmt.Sprintf("[流程启动] %s - %s", data.TemplateCode, data.InstanceID)
	case EventInstanceCompleted:
		return fmt.Sprintf("[流程完成] %s - %s", data.TemplateCode, data.InstanceID)
	case EventInstanceFailed:
		return fmt.Sprintf("[流程失败] %s - %s", data.TemplateCode, data.InstanceID)
	case EventInstanceCancelled:
		return fmt.Sprintf("[流程取消] %s - %s", data.TemplateCode, data.InstanceID)
	case EventStepCompensated:
		return fmt.Sprintf("[已补偿] %s - %s", data.InstanceID, data.StepID)
	case EventTaskCreated:
		return fmt.Sprintf("[待办任务] %s - %s", data.InstanceID, data.TaskID)
	default:
		return fmt.Sprintf("[系统通知] %s", data.Event)
	}
}
