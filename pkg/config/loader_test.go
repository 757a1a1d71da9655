package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrameworkConfig(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")
	configContent := `
his-workflow:
  general:
    instance_name: "ward-3"
    log_level: "debug"
    env: "test"
  storage:
    database:
      type: "mysql"
      dsn: "his:his@tcp(127.0.0.1:3306)/workflow?parseTime=true"
      max_open_conns: 20
      max_idle_conns: 4
      conn_max_lifetime: "1h"
    template_cache:
      capacity: 32
      ttl: "10m"
  execution:
    step_timeout: "5s"
    checkpoint: false
    timer_poll_interval: "500ms"
    claim_retry:
      max_elapsed: "2s"
  breaker:
    fail_threshold: 3
    open_seconds: 60
  messaging:
    inbound_topic: "his.inbound"
  api:
    host: "127.0.0.1"
    port: 9090
    mode: "test"
    auth:
      enabled: false
  plugins:
    webhook:
      url: "http://ops/hooks"
      events: ["instance.failed"]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("创建测试配置文件失败: %v", err)
	}

	cfg, err := LoadFrameworkConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	w := cfg.HISWorkflow
	if w.General.InstanceName != "ward-3" {
		t.Errorf("期望instance_name为ward-3，实际为%s", w.General.InstanceName)
	}
	if cfg.GetDatabaseType() != "mysql" {
		t.Errorf("期望database.type为mysql，实际为%s", cfg.GetDatabaseType())
	}
	if w.Storage.Database.ConnMaxLifetime != time.Hour {
		t.Errorf("期望conn_max_lifetime为1h，实际为%v", w.Storage.Database.ConnMaxLifetime)
	}
	// 未配置的字段取默认值
	if w.Storage.Database.ConnMaxIdleTime != time.Hour {
		t.Errorf("期望conn_max_idle_time默认为1h，实际为%v", w.Storage.Database.ConnMaxIdleTime)
	}
	if w.Storage.Cache.TTL != 10*time.Minute || w.Storage.Cache.Capacity != 32 {
		t.Errorf("模板缓存配置不符: %+v", w.Storage.Cache)
	}
	if cfg.GetStepTimeout() != 5*time.Second {
		t.Errorf("期望step_timeout为5s，实际为%v", cfg.GetStepTimeout())
	}
	if cfg.CheckpointEnabled() {
		t.Errorf("期望checkpoint关闭")
	}
	if !cfg.RecoverOnStart() {
		t.Errorf("期望recover_on_start默认开启")
	}
	if w.Execution.TimerPollInterval != 500*time.Millisecond {
		t.Errorf("期望timer_poll_interval为500ms，实际为%v", w.Execution.TimerPollInterval)
	}
	if w.Execution.TimerBatch != 100 {
		t.Errorf("期望timer_batch默认为100，实际为%d", w.Execution.TimerBatch)
	}
	if cfg.GetBreakerOpenDuration() != time.Minute {
		t.Errorf("期望熔断冷却为1m，实际为%v", cfg.GetBreakerOpenDuration())
	}
	if w.Messaging.InboundTopic != "his.inbound" {
		t.Errorf("期望inbound_topic为his.inbound，实际为%s", w.Messaging.InboundTopic)
	}
	if cfg.GetAPIAddr() != "127.0.0.1:9090" {
		t.Errorf("期望监听地址为127.0.0.1:9090，实际为%s", cfg.GetAPIAddr())
	}
	if cfg.AuthEnabled() {
		t.Errorf("期望auth关闭")
	}
}

func TestLoadFrameworkConfig_WithDefaults(t *testing.T) {
	// 文件不存在时返回默认配置
	cfg, err := LoadFrameworkConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	w := cfg.HISWorkflow
	if w.General.InstanceName != "his-workflow" {
		t.Errorf("期望默认instance_name为his-workflow，实际为%s", w.General.InstanceName)
	}
	if cfg.GetDatabaseType() != "sqlite" || cfg.GetDatabaseDSN() == "" {
		t.Errorf("期望默认使用sqlite，实际为%s(%s)", cfg.GetDatabaseType(), cfg.GetDatabaseDSN())
	}
	if w.Storage.Database.MaxOpenConns != 10 {
		t.Errorf("期望默认max_open_conns为10，实际为%d", w.Storage.Database.MaxOpenConns)
	}
	if cfg.GetStepTimeout() != 30*time.Second {
		t.Errorf("期望默认step_timeout为30s，实际为%v", cfg.GetStepTimeout())
	}
	if !cfg.CheckpointEnabled() || !cfg.AuthEnabled() {
		t.Errorf("期望checkpoint和auth默认开启")
	}
	if w.Breaker.FailThreshold != 5 || w.Breaker.OpenSeconds != 30 {
		t.Errorf("熔断默认值不符: %+v", w.Breaker)
	}
	if w.Messaging.DefaultTopic != "his.workflow.events" {
		t.Errorf("期望默认default_topic为his.workflow.events，实际为%s", w.Messaging.DefaultTopic)
	}
	if cfg.GetAPIAddr() != ":8080" {
		t.Errorf("期望默认监听地址为:8080，实际为%s", cfg.GetAPIAddr())
	}
}

func TestLoadFrameworkConfig_WithEnvVars(t *testing.T) {
	t.Setenv("HIS_DB_DSN", "postgres://his@db/workflow?sslmode=disable")
	t.Setenv("HIS_INSTANCE", "ward-7")

	configPath := filepath.Join(t.TempDir(), "env-test.yaml")
	configContent := `
his-workflow:
  general:
    instance_name: "${HIS_INSTANCE}"
  storage:
    database:
      type: "postgres"
      dsn: "${HIS_DB_DSN}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("创建测试配置文件失败: %v", err)
	}

	cfg, err := LoadFrameworkConfig(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.HISWorkflow.General.InstanceName != "ward-7" {
		t.Errorf("期望instance_name为ward-7，实际为%s", cfg.HISWorkflow.General.InstanceName)
	}
	if cfg.GetDatabaseDSN() != "postgres://his@db/workflow?sslmode=disable" {
		t.Errorf("期望dsn为环境变量的值，实际为%s", cfg.GetDatabaseDSN())
	}
}

func TestLoadFrameworkConfig_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	cases := map[string]string{
		"bad-yaml.yaml":   "his-workflow: [",
		"bad-db.yaml":     "his-workflow:\n  storage:\n    database:\n      type: oracle\n",
		"bad-level.yaml":  "his-workflow:\n  general:\n    log_level: verbose\n",
		"bad-mode.yaml":   "his-workflow:\n  api:\n    mode: prod\n",
		"no-dsn.yaml":     "his-workflow:\n  storage:\n    database:\n      type: mysql\n",
		"loop-topic.yaml": "his-workflow:\n  messaging:\n    inbound_topic: his.events\n    default_topic: his.events\n",
	}
	for name, content := range cases {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("创建测试配置文件失败: %v", err)
		}
		if _, err := LoadFrameworkConfig(path); err == nil {
			t.Errorf("%s: 期望加载失败", name)
		}
	}
}

func TestValidateFrameworkConfig_MemoryWithoutDSN(t *testing.T) {
	var cfg EngineConfig
	cfg.HISWorkflow.Storage.Database.Type = "memory"
	cfg.ApplyDefaults()
	if err := ValidateFrameworkConfig(&cfg); err != nil {
		t.Errorf("memory存储不需要dsn: %v", err)
	}
	if err := ValidateFrameworkConfig(nil); err == nil {
		t.Errorf("期望nil配置校验失败")
	}
}
