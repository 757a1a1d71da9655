package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditPlugin 把生命周期事件按JSON行写入审计日志（对外导出）
type AuditPlugin struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewAuditPlugin 创建审计插件，out为nil时写到标准输出
func NewAuditPlugin(out io.Writer) *AuditPlugin {
	if out == nil {
		out = os.Stdout
	}
	return &AuditPlugin{out: out, now: time.Now}
}

// Name 插件名称（实现Plugin接口）
func (a *AuditPlugin) Name() string {
	return "audit"
}

// Init 审计插件无需参数
func (a *AuditPlugin) Init(params map[string]string) error {
	return nil
}

type auditRecord struct {
	Time time.Time `json:"time"`
	PluginData
	Error string `json:"error,omitempty"`
}

// Execute 写一行审计记录（实现Plugin接口）
func (a *AuditPlugin) Execute(data interface{}) error {
	pd, ok := data.(PluginData)
	if !ok {
		return fmt.Errorf("插件数据类型错误")
	}
	rec := auditRecord{Time: a.now().UTC(), PluginData: pd}
	if pd.Error != nil {
		rec.Error = pd.Error.Error()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.out.Write(append(line, '\n'))
	return err
}
