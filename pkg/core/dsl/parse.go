package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse 解析JSON格式的DSL（对外导出）
// 未知字段视为错误，避免拼写错误的kind被静默忽略
func Parse(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, NewValidationError(fmt.Errorf("DSL JSON解析失败: %w", err))
	}
	return &spec, nil
}

// ParseYAML 解析YAML格式的DSL（对外导出）
// 先转为通用结构再走JSON解析，保证数值类型与JSON提交的模板一致
func ParseYAML(data []byte) (*Spec, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError(fmt.Errorf("DSL YAML解析失败: %w", err))
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, NewValidationError(fmt.Errorf("DSL YAML转换失败: %w", err))
	}
	return Parse(j)
}

// ParseAny 按内容自动识别JSON或YAML
func ParseAny(data []byte) (*Spec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return Parse(trimmed)
	}
	return ParseYAML(data)
}

// Normalize 把任意结构（例如HTTP请求中解码出的map）转换为Spec
func Normalize(v any) (*Spec, error) {
	if spec, ok := v.(*Spec); ok {
		return spec, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewValidationError(fmt.Errorf("DSL序列化失败: %w", err))
	}
	return Parse(data)
}

// Clone 深拷贝
func (s *Spec) Clone() (*Spec, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Spec
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
