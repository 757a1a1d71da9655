package workflow

import (
	"encoding/json"
	"sort"
	"time"
)

// FrameKind 嵌套帧类型
type FrameKind string

const (
	// FrameBranch switch选中的分支，Case为-1表示default
	FrameBranch FrameKind = "branch"
	// FrameParallel 并行分支，每个分支一条lane
	FrameParallel FrameKind = "parallel"
	// FrameMap map元素，每个元素一条lane
	FrameMap FrameKind = "map"
)

// WaitKind 阻塞类型
type WaitKind string

const (
	// WaitTimer timer步骤的等待，到期后前进到下一步
	WaitTimer WaitKind = "timer"
	// WaitRetry 重试退避，到期后重新执行当前步骤
	WaitRetry WaitKind = "retry"
	// WaitTask 等待人工任务完成
	WaitTask WaitKind = "task"
	// WaitEvent 等待业务事件
	WaitEvent WaitKind = "event"
)

// DefaultCase switch的default分支
const DefaultCase = -1

// Cursor 执行游标（对外导出）
// Step 是当前序列中的步骤下标；当前步骤阻塞时 Wait 非空；
// 当前步骤是switch/parallel/map且已进入时 Frame 非空。
type Cursor struct {
	Step    int    `json:"step"`
	Attempt int    `json:"attempt,omitempty"`
	Wait    *Wait  `json:"wait,omitempty"`
	Frame   *Frame `json:"frame,omitempty"`
}

// Frame 嵌套执行位置
type Frame struct {
	Kind FrameKind `json:"kind"`
	// Case 仅branch使用
	Case int `json:"case"`
	// Inner 仅branch使用
	Inner *Cursor `json:"inner,omitempty"`
	// Lanes parallel/map使用
	Lanes []*Lane `json:"lanes,omitempty"`
	// Items map进入时求值得到的列表，恢复执行时不再重新求值
	Items []any `json:"items,omitempty"`
}

// Lane 并行执行的一条子序列
type Lane struct {
	Cursor *Cursor  `json:"cursor"`
	Done   bool     `json:"done,omitempty"`
	Failed string   `json:"failed,omitempty"`
	Scope  *Context `json:"scope"`
}

// Wait 阻塞点
type Wait struct {
	Kind        WaitKind   `json:"kind"`
	WakeAt      *time.Time `json:"wake_at,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	Event       string     `json:"event,omitempty"`
	ResponseKey string     `json:"response_key,omitempty"`
	Resolved    bool       `json:"resolved,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// NewCursor 初始游标
func NewCursor() *Cursor {
	return &Cursor{}
}

// Active lane仍需推进
func (l *Lane) Active() bool {
	return !l.Done && l.Failed == ""
}

// Clone 深拷贝
func (c *Cursor) Clone() *Cursor {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out Cursor
	if err := json.Unmarshal(data, &out); err != nil {
		return c
	}
	return &out
}

// PendingWaits 返回所有未解决的阻塞点
func (c *Cursor) PendingWaits() []*Wait {
	var waits []*Wait
	c.walkWaits(func(w *Wait) {
		if !w.Resolved {
			waits = append(waits, w)
		}
	})
	return waits
}

func (c *Cursor) walkWaits(fn func(w *Wait)) {
	if c == nil {
		return
	}
	if c.Wait != nil {
		fn(c.Wait)
	}
	if c.Frame == nil {
		return
	}
	if c.Frame.Inner != nil {
		c.Frame.Inner.walkWaits(fn)
	}
	for _, lane := range c.Frame.Lanes {
		if lane.Active() {
			lane.Cursor.walkWaits(fn)
		}
	}
}

// EarliestWake 未解决的定时等待中最早的唤醒时间
func (c *Cursor) EarliestWake() *time.Time {
	var earliest *time.Time
	for _, w := range c.PendingWaits() {
		if (w.Kind != WaitTimer && w.Kind != WaitRetry) || w.WakeAt == nil {
			continue
		}
		if earliest == nil || w.WakeAt.Before(*earliest) {
			t := *w.WakeAt
			earliest = &t
		}
	}
	return earliest
}

// WaitingEvents 所有lane正在等待的事件名，去重后排序，没有时返回nil
func (c *Cursor) WaitingEvents() []string {
	var events []string
	seen := make(map[string]bool)
	for _, w := range c.PendingWaits() {
		if w.Kind == WaitEvent && !seen[w.Event] {
			seen[w.Event] = true
			events = append(events, w.Event)
		}
	}
	sort.Strings(events)
	return events
}

// HasPendingWait 是否存在未解决的阻塞点
func (c *Cursor) HasPendingWait() bool {
	return len(c.PendingWaits()) > 0
}

// ResolveTask 用任务输出解决对应的任务等待，返回是否找到
func (c *Cursor) ResolveTask(taskID string, output any) bool {
	found := false
	c.walkWaits(func(w *Wait) {
		if w.Kind == WaitTask && w.TaskID == taskID && !w.Resolved {
			w.Resolved = true
			w.Result = output
			found = true
		}
	})
	return found
}

// ResolveEvent 用事件payload解决对应的事件等待，返回是否找到
func (c *Cursor) ResolveEvent(event string, payload any) bool {
	found := false
	c.walkWaits(func(w *Wait) {
		if w.Kind == WaitEvent && w.Event == event && !w.Resolved {
			w.Resolved = true
			w.Result = payload
			found = true
		}
	})
	return found
}
