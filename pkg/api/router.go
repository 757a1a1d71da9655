package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/handler"
	"github.com/LENAX/his-workflow/pkg/api/middleware"
	"github.com/LENAX/his-workflow/pkg/core/engine"
)

// RouterConfig 路由配置
type RouterConfig struct {
	Version     string
	AuthEnabled bool
	// Mode gin运行模式：debug/release/test
	Mode string
}

// SetupRouter 设置路由
// 返回的Handler已经包含 "资源:动作" 形式路径的改写
func SetupRouter(eng *engine.Engine, cfg RouterConfig) http.Handler {
	if cfg.Mode == "" {
		cfg.Mode = gin.ReleaseMode
	}
	gin.SetMode(cfg.Mode)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	perm := middleware.NewPermission(cfg.AuthEnabled)

	templateHandler := handler.NewTemplateHandler(eng)
	instanceHandler := handler.NewInstanceHandler(eng)
	taskHandler := handler.NewTaskHandler(eng)
	eventHandler := handler.NewEventHandler(eng)
	healthHandler := handler.NewHealthHandler(eng, cfg.Version)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		templates := v1.Group("/templates")
		{
			templates.POST("/@upsert", perm.Require(middleware.PermTemplateWrite), templateHandler.Upsert)
			templates.GET("", perm.Require(middleware.PermTemplateRead), templateHandler.List)
			templates.GET("/:code", perm.Require(middleware.PermTemplateRead), templateHandler.Get)
		}

		instances := v1.Group("/instances")
		{
			instances.POST("/@start/:code", perm.Require(middleware.PermInstanceStart), instanceHandler.Start)
			instances.GET("/:id", perm.Require(middleware.PermInstanceRead), instanceHandler.Get)
			instances.GET("/:id/tasks", perm.Require(middleware.PermInstanceRead), instanceHandler.GetTasks)
			instances.POST("/:id/@cancel", perm.Require(middleware.PermInstanceCancel), instanceHandler.Cancel)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", perm.Require(middleware.PermTaskRead), taskHandler.ListReady)
			tasks.GET("/:id", perm.Require(middleware.PermTaskRead), taskHandler.Get)
			tasks.POST("/:id/@claim", perm.Require(middleware.PermTaskClaim), taskHandler.Claim)
			tasks.POST("/:id/@complete", perm.Require(middleware.PermTaskComplete), taskHandler.Complete)
		}

		v1.POST("/events", perm.Require(middleware.PermEventPublish), eventHandler.Publish)
		v1.GET("/breakers", perm.Require(middleware.PermAdmin), healthHandler.Breakers)
	}

	return RewriteVerbs(router)
}

// RewriteVerbs 把 /tasks/{id}:claim 改写为 /tasks/{id}/@claim
// gin的路由树不支持同一路径段内的参数加后缀
func RewriteVerbs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rewritten, ok := rewritePath(r.URL.Path); ok {
			r.URL.Path = rewritten
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

func rewritePath(path string) (string, bool) {
	if !strings.Contains(path, ":") {
		return path, false
	}
	segs := strings.Split(path, "/")
	out := make([]string, 0, len(segs)+1)
	changed := false
	for _, seg := range segs {
		i := strings.LastIndex(seg, ":")
		if i <= 0 || i == len(seg)-1 {
			out = append(out, seg)
			continue
		}
		out = append(out, seg[:i], "@"+seg[i+1:])
		changed = true
	}
	return strings.Join(out, "/"), changed
}
