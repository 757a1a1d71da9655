package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// 类型转换规则：
//   - 数字统一按float64处理（int族、float32、json.Number都会被归一）
//   - 数字与可解析为数字的字符串比较时按数字比较
//   - bool与字符串"true"/"false"比较时按bool比较
//   - null只等于null
//   - 大小比较只支持数字与数字、字符串与字符串，其他组合报错

// toNumber 尝试把值转换为float64
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// parseNumber 把字符串解析为数字
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// Equal 按转换规则判断相等（对外导出）
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	switch {
	case aNum && bNum:
		return an == bn
	case aNum:
		if s, ok := b.(string); ok {
			if f, ok := parseNumber(s); ok {
				return an == f
			}
		}
		return false
	case bNum:
		if s, ok := a.(string); ok {
			if f, ok := parseNumber(s); ok {
				return f == bn
			}
		}
		return false
	}
	if ab, ok := a.(bool); ok {
		if s, ok := b.(string); ok {
			return strconv.FormatBool(ab) == s
		}
	}
	if bb, ok := b.(bool); ok {
		if s, ok := a.(string); ok {
			return strconv.FormatBool(bb) == s
		}
	}
	return reflect.DeepEqual(a, b)
}

// Compare 按转换规则比较大小，返回-1/0/1（对外导出）
func Compare(a, b any) (int, error) {
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if !aNum {
		if s, ok := a.(string); ok && bNum {
			an, aNum = parseNumber(s)
		}
	}
	if !bNum {
		if s, ok := b.(string); ok && aNum {
			bn, bNum = parseNumber(s)
		}
	}
	if aNum && bNum {
		switch {
		case an < bn:
			return -1, nil
		case an > bn:
			return 1, nil
		}
		return 0, nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("无法比较 %T 与 %T", a, b)
}

// Truthy 真值规则：null、false、0、空字符串、空集合为假（对外导出）
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Stringify 把值转换为插值使用的字符串
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
