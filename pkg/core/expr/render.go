package expr

import (
	"fmt"
	"strings"
)

// Render 渲染模板值中的 ${expr} 占位符（对外导出）
// - 整个字符串就是一个占位符时返回表达式的原始类型值
// - 字符串中混合文本和占位符时，按插值规则拼接为字符串
// - map 和 slice 递归渲染，其他类型原样返回
func Render(v any, env map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderString(t, env)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rendered, err := Render(item, env)
			if err != nil {
				return nil, fmt.Errorf("字段 %s: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rendered, err := Render(item, env)
			if err != nil {
				return nil, fmt.Errorf("第%d项: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	}
	return v, nil
}

// RenderString 渲染单个字符串
func RenderString(s string, env map[string]any) (any, error) {
	parts, err := splitTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 && parts[0].isExpr {
		return Eval(parts[0].text, env)
	}
	var b strings.Builder
	for _, p := range parts {
		if !p.isExpr {
			b.WriteString(p.text)
			continue
		}
		val, err := Eval(p.text, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(val))
	}
	return b.String(), nil
}

// RenderText 渲染并强制转换为字符串，用于url、topic等字段
func RenderText(s string, env map[string]any) (string, error) {
	v, err := RenderString(s, env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// CheckTemplate 只编译不求值，校验模板值中所有占位符的语法（对外导出）
func CheckTemplate(v any) error {
	switch t := v.(type) {
	case string:
		parts, err := splitTemplate(t)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if !p.isExpr {
				continue
			}
			if _, err := Compile(p.text); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range t {
			if err := CheckTemplate(item); err != nil {
				return fmt.Errorf("字段 %s: %w", k, err)
			}
		}
	case []any:
		for i, item := range t {
			if err := CheckTemplate(item); err != nil {
				return fmt.Errorf("第%d项: %w", i, err)
			}
		}
	}
	return nil
}

type templatePart struct {
	text   string
	isExpr bool
}

// splitTemplate 把字符串切分为文本片段和 ${...} 表达式片段
// 表达式内的引号字符串可以包含 '}'
func splitTemplate(s string) ([]templatePart, error) {
	var parts []templatePart
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" || len(parts) == 0 {
				parts = append(parts, templatePart{text: rest})
			}
			return parts, nil
		}
		if start > 0 {
			parts = append(parts, templatePart{text: rest[:start]})
		}
		end := findClose(rest[start+2:])
		if end < 0 {
			return nil, fmt.Errorf("占位符未闭合: %q", s)
		}
		inner := strings.TrimSpace(rest[start+2 : start+2+end])
		if inner == "" {
			return nil, fmt.Errorf("空的占位符: %q", s)
		}
		parts = append(parts, templatePart{text: inner, isExpr: true})
		rest = rest[start+2+end+1:]
	}
}

func findClose(s string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}':
			return i
		}
	}
	return -1
}
