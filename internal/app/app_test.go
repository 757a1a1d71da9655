package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/config"
	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/messaging"
)

func testConfig(t *testing.T) *config.EngineConfig {
	t.Helper()
	var cfg config.EngineConfig
	w := &cfg.HISWorkflow
	w.Storage.Database.Type = "sqlite"
	w.Storage.Database.DSN = filepath.Join(t.TempDir(), "wf.db")
	w.Execution.TimerPollInterval = 50 * time.Millisecond
	w.API.Mode = "test"
	disabled := false
	w.API.Auth.Enabled = &disabled
	w.Plugins.Audit.Enabled = true
	w.Plugins.Audit.Path = filepath.Join(t.TempDir(), "audit.log")
	cfg.ApplyDefaults()
	require.NoError(t, config.ValidateFrameworkConfig(&cfg))
	return &cfg
}

func TestApp_InboundEventResumesInstance(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, "test")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	spec, err := dsl.Parse([]byte(`{"steps":[
	  {"id":"order","save_as":"order","kafka_publish":{"topic":"his.lis.orders","payload":{"patient":"${input.patient_id}"},
	   "wait_for_event":{"event":"lab.result","response_key":"result"}}}
	]}`))
	require.NoError(t, err)
	_, err = a.Engine().UpsertTemplate(ctx, "lab", "", 1, spec)
	require.NoError(t, err)
	inst, err := a.Engine().StartInstance(ctx, "lab", map[string]any{"patient_id": "p1"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusWaiting, inst.Status)

	evt := messaging.NewEvent("lab.result", map[string]any{"hb": 13.5}).WithCorrelationID(inst.ID)
	require.NoError(t, messaging.PublishEvent(a.Bus().Publisher(), cfg.HISWorkflow.Messaging.InboundTopic, evt))

	assert.Eventually(t, func() bool {
		got, err := a.Engine().GetInstance(ctx, inst.ID)
		return err == nil && got.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// API路由使用同一个引擎
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/instances/"+inst.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"COMPLETED"`)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx))

	audit, err := os.ReadFile(cfg.HISWorkflow.Plugins.Audit.Path)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "instance.started")
	assert.Contains(t, string(audit), "instance.completed")
}

func TestApp_InvalidStorage(t *testing.T) {
	var cfg config.EngineConfig
	cfg.HISWorkflow.Storage.Database.Type = "oracle"
	cfg.ApplyDefaults()
	_, err := New(&cfg, "test")
	assert.Error(t, err)
}

func TestApp_WebhookBindings(t *testing.T) {
	cfg := testConfig(t)
	cfg.HISWorkflow.Plugins.Audit.Enabled = false
	cfg.HISWorkflow.Plugins.Webhook.URL = "http://ops.local/hooks"
	cfg.HISWorkflow.Plugins.Webhook.Events = []string{"instance.failed"}

	a, err := New(cfg, "test")
	require.NoError(t, err)
	defer a.Shutdown(context.Background())
	assert.ElementsMatch(t, []string{"webhook"}, a.Engine().Plugins().ListPlugins())
}

func TestApp_UnknownWebhookEvent(t *testing.T) {
	cfg := testConfig(t)
	cfg.HISWorkflow.Plugins.Webhook.URL = "http://ops.local/hooks"
	cfg.HISWorkflow.Plugins.Webhook.Events = []string{"instance_failed"}

	_, err := New(cfg, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "绑定webhook事件失败")
}
