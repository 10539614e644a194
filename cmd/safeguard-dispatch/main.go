package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/service"
	"safeguard-dispatch/pkg/logger"
)

func main() {
	// 1. 加载 .env（存在时）
	_ = godotenv.Load()

	// 2. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 3. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "safeguard-dispatch")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 4. 获取用户身份（从环境变量）
	userID := os.Getenv("USER_ID")
	if userID == "" {
		log.Fatal("USER_ID environment variable is required")
	}
	userName := os.Getenv("USER_NAME")
	if userName == "" {
		userName = "SafeGuard user"
	}

	// 5. 创建服务（平台能力按部署环境注入，服务端默认无短信/拨号能力）
	dispatchService, err := service.NewDispatchService(cfg, log, userID, userName, service.Capabilities{})
	if err != nil {
		log.Fatal("Failed to create dispatch service",
			zap.Error(err),
		)
	}
	defer dispatchService.Stop()

	// 6. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. 启动服务
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := dispatchService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Service error",
			zap.Error(err),
		)
	}

	log.Info("Dispatch service stopped")
}
