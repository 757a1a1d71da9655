package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevOut, prevNoColor := Out, color.NoColor
	Out, color.NoColor = buf, true
	t.Cleanup(func() { Out, color.NoColor = prevOut, prevNoColor })
	return buf
}

func TestField_SkipsEmpty(t *testing.T) {
	buf := capture(t)
	Field("Task", "t-1")
	Field("Assignee", "")
	Field("Wake At", Time(nil))
	assert.Equal(t, "Task:     t-1\n", buf.String())
}

func TestPrintJSON_KeepsMarkup(t *testing.T) {
	buf := capture(t)
	assert.NoError(t, PrintJSON(map[string]any{"note": "K<3.5 & Na>145"}))
	assert.Equal(t, "{\n  \"note\": \"K<3.5 & Na>145\"\n}\n", buf.String())
}

func TestFormatters(t *testing.T) {
	capture(t)
	assert.Equal(t, "lab.result, rx.ready", Events([]string{"lab.result", "rx.ready"}))
	assert.Equal(t, "", Events(nil))
	assert.Equal(t, "-", Roles(nil))
	assert.Equal(t, "nurse,doctor", Roles([]string{"nurse", "doctor"}))

	var zero time.Time
	assert.Equal(t, "", Time(&zero))
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.Local)
	assert.Equal(t, "2025-03-01 08:00:00", Time(&at))
}

func TestMessagesAndTable(t *testing.T) {
	buf := capture(t)
	Success("任务已完成: %s", "t-1")
	Bullets([]string{"i-1", "i-2"})
	table := NewTable([]string{"ID", "STATUS"})
	table.AddRow([]string{"i-1", "WAITING"})
	table.Render()

	out := buf.String()
	assert.Contains(t, out, "✅ 任务已完成: t-1\n")
	assert.Contains(t, out, "  • i-1\n  • i-2\n")
	assert.Contains(t, out, "i-1  WAITING")
}
