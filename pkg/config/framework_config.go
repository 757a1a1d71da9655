package config

import (
	"net"
	"strconv"
	"time"
)

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	HISWorkflow struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
			} `yaml:"database"`
			Cache struct {
				Capacity int           `yaml:"capacity"`
				TTL      time.Duration `yaml:"ttl"`
			} `yaml:"template_cache"`
		} `yaml:"storage"`
		Execution struct {
			StepTimeout       time.Duration `yaml:"step_timeout"`
			Checkpoint        *bool         `yaml:"checkpoint"`
			RecoverOnStart    *bool         `yaml:"recover_on_start"`
			TimerPollInterval time.Duration `yaml:"timer_poll_interval"`
			TimerBatch        int           `yaml:"timer_batch"`
			ClaimRetry        struct {
				MaxElapsed time.Duration `yaml:"max_elapsed"`
			} `yaml:"claim_retry"`
		} `yaml:"execution"`
		Breaker struct {
			FailThreshold int `yaml:"fail_threshold"`
			OpenSeconds   int `yaml:"open_seconds"`
		} `yaml:"breaker"`
		Messaging struct {
			OutputBuffer int64  `yaml:"output_buffer"`
			InboundTopic string `yaml:"inbound_topic"`
			DefaultTopic string `yaml:"default_topic"`
			PublishRetry uint64 `yaml:"publish_retry"`
			HandlerRetry int    `yaml:"handler_retry"`
			Debug        bool   `yaml:"debug"`
			Trace        bool   `yaml:"trace"`
		} `yaml:"messaging"`
		HTTPClient struct {
			Timeout        time.Duration     `yaml:"timeout"`
			UserAgent      string            `yaml:"user_agent"`
			DefaultHeaders map[string]string `yaml:"default_headers"`
		} `yaml:"http_client"`
		API struct {
			Host         string        `yaml:"host"`
			Port         int           `yaml:"port"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			Mode         string        `yaml:"mode"`
			Auth         struct {
				Enabled *bool `yaml:"enabled"`
			} `yaml:"auth"`
		} `yaml:"api"`
		Plugins struct {
			Webhook struct {
				URL            string            `yaml:"url"`
				TimeoutSeconds int               `yaml:"timeout_seconds"`
				Headers        map[string]string `yaml:"headers"`
				Events         []string          `yaml:"events"`
			} `yaml:"webhook"`
			Audit struct {
				Enabled bool   `yaml:"enabled"`
				Path    string `yaml:"path"`
			} `yaml:"audit"`
		} `yaml:"plugins"`
	} `yaml:"his-workflow"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.HISWorkflow.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.HISWorkflow.Storage.Database.DSN
}

// GetStepTimeout 获取单次外部调用超时
func (c *EngineConfig) GetStepTimeout() time.Duration {
	timeout := c.HISWorkflow.Execution.StepTimeout
	if timeout <= 0 {
		return 30 * time.Second // 默认值
	}
	return timeout
}

// CheckpointEnabled 是否在每个顶层步骤后保存检查点，默认开启
func (c *EngineConfig) CheckpointEnabled() bool {
	p := c.HISWorkflow.Execution.Checkpoint
	return p == nil || *p
}

// RecoverOnStart 启动时是否恢复遗留实例，默认开启
func (c *EngineConfig) RecoverOnStart() bool {
	p := c.HISWorkflow.Execution.RecoverOnStart
	return p == nil || *p
}

// AuthEnabled API是否校验权限头，默认开启
func (c *EngineConfig) AuthEnabled() bool {
	p := c.HISWorkflow.API.Auth.Enabled
	return p == nil || *p
}

// GetBreakerOpenDuration 熔断器冷却时间
func (c *EngineConfig) GetBreakerOpenDuration() time.Duration {
	return time.Duration(c.HISWorkflow.Breaker.OpenSeconds) * time.Second
}

// GetAPIAddr API监听地址
func (c *EngineConfig) GetAPIAddr() string {
	return net.JoinHostPort(c.HISWorkflow.API.Host, strconv.Itoa(c.HISWorkflow.API.Port))
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	w := &c.HISWorkflow

	// General默认值
	if w.General.InstanceName == "" {
		w.General.InstanceName = "his-workflow"
	}
	if w.General.LogLevel == "" {
		w.General.LogLevel = "info"
	}
	if w.General.Env == "" {
		w.General.Env = "dev"
	}

	// Database默认值
	if w.Storage.Database.Type == "" {
		w.Storage.Database.Type = "sqlite"
	}
	if w.Storage.Database.DSN == "" && w.Storage.Database.Type == "sqlite" {
		w.Storage.Database.DSN = "./his-workflow.db"
	}
	if w.Storage.Database.MaxOpenConns <= 0 {
		w.Storage.Database.MaxOpenConns = 10
	}
	if w.Storage.Database.MaxIdleConns <= 0 {
		w.Storage.Database.MaxIdleConns = 5
	}
	if w.Storage.Database.ConnMaxLifetime <= 0 {
		w.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if w.Storage.Database.ConnMaxIdleTime <= 0 {
		w.Storage.Database.ConnMaxIdleTime = 1 * time.Hour
	}

	// 模板缓存默认值
	if w.Storage.Cache.Capacity <= 0 {
		w.Storage.Cache.Capacity = 256
	}
	if w.Storage.Cache.TTL <= 0 {
		w.Storage.Cache.TTL = 5 * time.Minute
	}

	// Execution默认值
	if w.Execution.StepTimeout <= 0 {
		w.Execution.StepTimeout = 30 * time.Second
	}
	if w.Execution.TimerPollInterval <= 0 {
		w.Execution.TimerPollInterval = 1 * time.Second
	}
	if w.Execution.TimerBatch <= 0 {
		w.Execution.TimerBatch = 100
	}
	if w.Execution.ClaimRetry.MaxElapsed <= 0 {
		w.Execution.ClaimRetry.MaxElapsed = 5 * time.Second
	}

	// Breaker默认值
	if w.Breaker.FailThreshold <= 0 {
		w.Breaker.FailThreshold = 5
	}
	if w.Breaker.OpenSeconds <= 0 {
		w.Breaker.OpenSeconds = 30
	}

	// Messaging默认值
	if w.Messaging.OutputBuffer <= 0 {
		w.Messaging.OutputBuffer = 256
	}
	if w.Messaging.InboundTopic == "" {
		w.Messaging.InboundTopic = "his.workflow.inbound"
	}
	if w.Messaging.DefaultTopic == "" {
		w.Messaging.DefaultTopic = "his.workflow.events"
	}
	if w.Messaging.PublishRetry == 0 {
		w.Messaging.PublishRetry = 3
	}
	if w.Messaging.HandlerRetry <= 0 {
		w.Messaging.HandlerRetry = 3
	}

	// HTTP客户端默认值
	if w.HTTPClient.Timeout <= 0 {
		w.HTTPClient.Timeout = 30 * time.Second
	}
	if w.HTTPClient.UserAgent == "" {
		w.HTTPClient.UserAgent = "his-workflow"
	}

	// API默认值
	if w.API.Port <= 0 {
		w.API.Port = 8080
	}
	if w.API.ReadTimeout <= 0 {
		w.API.ReadTimeout = 15 * time.Second
	}
	if w.API.WriteTimeout <= 0 {
		w.API.WriteTimeout = 60 * time.Second
	}
	if w.API.Mode == "" {
		w.API.Mode = "release"
	}
}
