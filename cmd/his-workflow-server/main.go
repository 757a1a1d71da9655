package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/LENAX/his-workflow/internal/app"
	"github.com/LENAX/his-workflow/pkg/config"
)

var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "./configs/his-workflow.yaml", "服务配置文件路径")
	host := flag.String("host", "", "监听地址（覆盖配置文件）")
	port := flag.Int("port", 0, "监听端口（覆盖配置文件）")
	flag.Parse()

	log.Printf("HIS Workflow Server v%s (commit=%s, built=%s)", Version, GitCommit, BuildTime)
	log.Printf("配置文件: %s", *configPath)

	// 1. 加载配置
	cfg, err := config.LoadFrameworkConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *host != "" {
		cfg.HISWorkflow.API.Host = *host
	}
	if *port > 0 {
		cfg.HISWorkflow.API.Port = *port
	}

	// 2. 装配服务
	srv, err := app.New(cfg, Version)
	if err != nil {
		log.Fatalf("创建服务失败: %v", err)
	}

	// 3. 启动引擎和入站订阅
	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("启动服务失败: %v", err)
	}

	// 4. 在goroutine中启动API服务器
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API服务器错误: %v", err)
		}
	}()

	log.Printf("✅ HIS Workflow Server started on %s", cfg.GetAPIAddr())

	// 5. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 6. 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HISWorkflow.API.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭服务失败: %v", err)
	}
	log.Println("✅ 服务已停止")
}
