package output

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

// Table 简单表格输出
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable 创建表格
func NewTable(headers []string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		widths:  widths,
	}
}

// AddRow 添加行
func (t *Table) AddRow(row []string) {
	// 更新列宽
	for i, cell := range row {
		if n := utf8.RuneCountInString(cell); i < len(t.widths) && n > t.widths[i] {
			t.widths[i] = n
		}
	}
	t.rows = append(t.rows, row)
}

// Render 渲染表格
func (t *Table) Render() {
	// 打印表头
	headerColor := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		headerColor.Fprintf(Out, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(Out)

	// 打印分隔线
	for i := range t.headers {
		fmt.Fprint(Out, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(Out)

	// 打印数据行
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(t.widths) {
				fmt.Fprintf(Out, "%-*s  ", t.widths[i], cell)
			}
		}
		fmt.Fprintln(Out)
	}
}

// Status 带颜色和图标的实例/任务状态
func Status(status string) string {
	switch status {
	case "COMPLETED":
		return color.GreenString("✅ COMPLETED")
	case "FAILED":
		return color.RedString("❌ FAILED")
	case "RUNNING":
		return color.CyanString("🔄 RUNNING")
	case "WAITING":
		return color.YellowString("⏸️  WAITING")
	case "PENDING", "READY":
		return "⏳ " + status
	case "CLAIMED":
		return color.CyanString("👤 CLAIMED")
	case "CANCELLED":
		return color.HiBlackString("🛑 CANCELLED")
	default:
		return status
	}
}
