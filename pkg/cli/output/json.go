package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Out CLI输出目标，测试时可替换为缓冲区
var Out io.Writer = color.Output

// TimeLayout 详情和表格中的时间格式
const TimeLayout = "2006-01-02 15:04:05"

// PrintJSON 输出JSON格式，医嘱和检验结果里的<、>、&原样保留
func PrintJSON(data interface{}) error {
	encoder := json.NewEncoder(Out)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// Section 带标题的JSON块（任务的payload/output等）
func Section(title string, data interface{}) {
	if data == nil {
		return
	}
	fmt.Fprintf(Out, "%s:\n", title)
	_ = PrintJSON(data)
}

// Field 输出对齐的 "Label:    value" 详情行，value为空时不输出
func Field(label string, value interface{}) {
	s := fmt.Sprint(value)
	if s == "" {
		return
	}
	fmt.Fprintf(Out, "%-9s %s\n", label+":", s)
}

// Time 本地时间，nil或零值返回空字符串
func Time(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(TimeLayout)
}

// Events 实例正在等待的事件
func Events(events []string) string {
	if len(events) == 0 {
		return ""
	}
	return color.YellowString(strings.Join(events, ", "))
}

// Roles 候选角色，空列表显示为 "-"
func Roles(roles []string) string {
	if len(roles) == 0 {
		return "-"
	}
	return strings.Join(roles, ",")
}

// Bullets 逐行列出ID
func Bullets(items []string) {
	for _, item := range items {
		fmt.Fprintf(Out, "  • %s\n", item)
	}
}

// Success 输出成功消息
func Success(format string, args ...interface{}) {
	color.New(color.FgGreen, color.Bold).Fprintf(Out, "✅ "+format+"\n", args...)
}

// Error 输出错误消息
func Error(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(Out, "❌ "+format+"\n", args...)
}

// Info 输出信息
func Info(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(Out, "ℹ️  "+format+"\n", args...)
}

// Warning 输出警告
func Warning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(Out, "⚠️  "+format+"\n", args...)
}
