// Package app 按配置装配存储、消息总线、下游调用、插件、引擎和API服务。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	internalstorage "github.com/LENAX/his-workflow/internal/storage"
	"github.com/LENAX/his-workflow/pkg/api"
	"github.com/LENAX/his-workflow/pkg/config"
	"github.com/LENAX/his-workflow/pkg/core/breaker"
	"github.com/LENAX/his-workflow/pkg/core/cache"
	"github.com/LENAX/his-workflow/pkg/core/engine"
	"github.com/LENAX/his-workflow/pkg/messaging"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
	"github.com/LENAX/his-workflow/pkg/transport"
)

// App 一个完整的工作流服务进程
type App struct {
	cfg        *config.EngineConfig
	store      storage.Store
	bus        *messaging.Bus
	subscriber *messaging.EventSubscriber
	engine     *engine.Engine
	server     *api.APIServer
	auditOut   io.Closer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 按配置装配服务，不启动任何后台任务
func New(cfg *config.EngineConfig, version string) (*App, error) {
	w := cfg.HISWorkflow
	a := &App{cfg: cfg}

	db := w.Storage.Database
	store, err := internalstorage.NewStoreWithPool(db.Type, db.DSN, internalstorage.PoolOptions{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}
	a.store = store

	clk := clock.New()
	sender := transport.NewHTTPSender(nil, transport.Config{
		Timeout:        w.HTTPClient.Timeout,
		DefaultHeaders: w.HTTPClient.DefaultHeaders,
		UserAgent:      w.HTTPClient.UserAgent,
	})

	a.bus = messaging.NewBus(messaging.BusConfig{
		OutputBuffer: w.Messaging.OutputBuffer,
		Debug:        w.Messaging.Debug,
		Trace:        w.Messaging.Trace,
	})
	publisher := messaging.NewPublisher(a.bus.Publisher(), messaging.PublisherConfig{
		MaxRetries:   w.Messaging.PublishRetry,
		DefaultTopic: w.Messaging.DefaultTopic,
	})

	plugins, err := a.setupPlugins(sender)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.engine, err = engine.New(store,
		engine.WithConfig(engine.Config{
			StepTimeout:          w.Execution.StepTimeout,
			TimerPollInterval:    w.Execution.TimerPollInterval,
			TimerBatch:           w.Execution.TimerBatch,
			ClaimRetryMaxElapsed: w.Execution.ClaimRetry.MaxElapsed,
			Checkpoint:           cfg.CheckpointEnabled(),
			RecoverOnStart:       cfg.RecoverOnStart(),
		}),
		engine.WithClock(clk),
		engine.WithSender(sender),
		engine.WithPublisher(publisher),
		engine.WithBreaker(breaker.New(breaker.Config{
			FailThreshold: w.Breaker.FailThreshold,
			OpenDuration:  cfg.GetBreakerOpenDuration(),
		}, clk)),
		engine.WithPluginManager(plugins),
		engine.WithTemplateCache(cache.NewTemplateCache(w.Storage.Cache.Capacity, w.Storage.Cache.TTL)),
	)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.subscriber, err = messaging.NewEventSubscriber(a.bus.Subscriber(), a.bus.Logger(), messaging.SubscriberConfig{
		Topic:      w.Messaging.InboundTopic,
		MaxRetries: w.Messaging.HandlerRetry,
	}, a.handleEvent)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.server = api.NewAPIServer(a.engine, api.ServerConfig{
		Host:         w.API.Host,
		Port:         w.API.Port,
		ReadTimeout:  w.API.ReadTimeout,
		WriteTimeout: w.API.WriteTimeout,
		AuthEnabled:  cfg.AuthEnabled(),
		Mode:         w.API.Mode,
	}, version)

	log.Printf("✅ [服务] 装配完成: instance=%s, storage=%s, inbound=%s",
		w.General.InstanceName, db.Type, w.Messaging.InboundTopic)
	return a, nil
}

// setupPlugins 注册审计和webhook插件并绑定事件
func (a *App) setupPlugins(sender *transport.HTTPSender) (plugin.PluginManager, error) {
	pm := plugin.NewPluginManager()
	p := a.cfg.HISWorkflow.Plugins

	if p.Audit.Enabled {
		var out io.Writer = os.Stdout
		if p.Audit.Path != "" {
			f, err := os.OpenFile(p.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("打开审计日志失败: %w", err)
			}
			out = f
			a.auditOut = f
		}
		if err := pm.Register(plugin.NewAuditPlugin(out)); err != nil {
			return nil, err
		}
		if err := pm.BindAll("audit", plugin.AllEvents()...); err != nil {
			return nil, err
		}
	}

	if p.Webhook.URL != "" {
		params := map[string]string{"url": p.Webhook.URL}
		if p.Webhook.TimeoutSeconds > 0 {
			params["timeout_seconds"] = strconv.Itoa(p.Webhook.TimeoutSeconds)
		}
		for k, v := range p.Webhook.Headers {
			params["header."+k] = v
		}
		if err := pm.RegisterWithInit(plugin.NewWebhookPlugin(sender), params); err != nil {
			return nil, err
		}
		events := []plugin.TriggerEvent{plugin.EventInstanceFailed, plugin.EventStepCompensated}
		if len(p.Webhook.Events) > 0 {
			events = events[:0]
			for _, evt := range p.Webhook.Events {
				events = append(events, plugin.TriggerEvent(evt))
			}
		}
		if err := pm.BindAll("webhook", events...); err != nil {
			return nil, fmt.Errorf("绑定webhook事件失败: %w", err)
		}
	}
	return pm, nil
}

// handleEvent 总线上的入站事件交给引擎关联
func (a *App) handleEvent(ctx context.Context, evt *messaging.Event) error {
	resumed, err := a.engine.HandleEvent(ctx, evt.Name, evt.Payload, evt.CorrelationID)
	if err != nil {
		return err
	}
	log.Printf("✅ [事件订阅] 事件 %s 唤醒 %d 个实例", evt.Name, len(resumed))
	return nil
}

// Engine 引擎
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Bus 消息总线
func (a *App) Bus() *messaging.Bus {
	return a.bus
}

// Handler API路由
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Start 启动引擎和入站订阅，阻塞到订阅就绪
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.engine.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("启动引擎失败: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.subscriber.Run(runCtx); err != nil {
			log.Printf("❌ [事件订阅] 退出: %v", err)
		}
	}()

	select {
	case <-a.subscriber.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Serve 启动HTTP服务，阻塞到服务关闭
func (a *App) Serve() error {
	return a.server.Start()
}

// Shutdown 按依赖的反序关闭：API、订阅、引擎、总线、存储
func (a *App) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := a.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.subscriber.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	a.wg.Wait()
	a.engine.Stop()
	if err := a.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *App) closeResources() error {
	var result *multierror.Error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	}
	if a.auditOut != nil {
		if err := a.auditOut.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
