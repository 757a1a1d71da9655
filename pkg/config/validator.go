package config

import (
	"fmt"
)

// ValidateFrameworkConfig 校验框架配置合法性
func ValidateFrameworkConfig(cfg *EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	w := cfg.HISWorkflow

	// 校验General
	if w.General.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[w.General.LogLevel] {
			return fmt.Errorf("log_level必须是debug/info/warn/error之一")
		}
	}

	// 校验Storage.Database
	validDBTypes := map[string]bool{
		"memory":     true,
		"sqlite":     true,
		"sqlite3":    true,
		"postgres":   true,
		"postgresql": true,
		"mysql":      true,
	}
	if !validDBTypes[w.Storage.Database.Type] {
		return fmt.Errorf("database.type必须是memory/sqlite/postgres/mysql之一")
	}
	if w.Storage.Database.Type != "memory" && w.Storage.Database.DSN == "" {
		return fmt.Errorf("database.dsn不能为空")
	}
	if w.Storage.Database.MaxIdleConns > w.Storage.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns不能大于max_open_conns")
	}

	// 校验API
	if w.API.Port > 65535 {
		return fmt.Errorf("api.port超出范围: %d", w.API.Port)
	}
	switch w.API.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("api.mode必须是debug/release/test之一")
	}

	// 入站处理阻塞到ack，出站默认topic回流到入站会自锁
	if w.Messaging.InboundTopic != "" && w.Messaging.InboundTopic == w.Messaging.DefaultTopic {
		return fmt.Errorf("messaging.inbound_topic不能与default_topic相同: %s", w.Messaging.InboundTopic)
	}

	// 校验插件
	for _, evt := range w.Plugins.Webhook.Events {
		if evt == "" {
			return fmt.Errorf("plugins.webhook.events不能包含空事件名")
		}
	}
	return nil
}
