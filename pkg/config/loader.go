package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFrameworkConfig 加载引擎配置文件（对外导出）
// 文件不存在时返回默认配置；支持 ${VAR} 形式的环境变量替换
func LoadFrameworkConfig(path string) (*EngineConfig, error) {
	var cfg EngineConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		cfg.ApplyDefaults()
		return &cfg, nil
	}

	// 环境变量替换
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.ApplyDefaults()
	if err := ValidateFrameworkConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}
