package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"yourmoment/internal/config"
	"yourmoment/internal/infra"
	"yourmoment/internal/infra/queue"
	"yourmoment/internal/logger"
	"yourmoment/internal/metrics"
	"yourmoment/internal/models"
	"yourmoment/internal/pipeline"
	"yourmoment/internal/pipeline/health"
	"yourmoment/internal/pipeline/records"
)

// cmd/coordinator runs the two periodic ticker loops that own a monitoring
// process's lifecycle without ever doing the stage work themselves: the
// coordinator (§4.1, re-triggers stage tasks) and the timeout enforcer
// (§4.6, stops processes past their deadline). A third ticker loop runs the
// health checker and publishes its queue depths as metrics. It shares the broker and
// database with cmd/worker but never touches an upstream credential or an
// LLM provider directly.
func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("协调器启动中...", zap.String("env", env))

	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer infra.CloseDatabase()

	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(db,
			&models.User{},
			&models.MonitoringProcess{},
			&models.WorkRecord{},
			&models.UpstreamCredential{},
			&models.LLMProviderConfig{},
			&models.PromptTemplate{},
		); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层数据库连接失败", zap.Error(err))
	}
	metrics.NewSystemCollector(sqlDB)

	repo := records.NewRepository(db)
	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	coordinator := pipeline.NewCoordinator(repo, queueClient, cfg.Pipeline.TriggerInterval())
	timeoutEnforcer := pipeline.NewTimeoutEnforcer(repo, queueClient, cfg.Pipeline.TimeoutSweepInterval())
	healthChecker := health.NewChecker(db, queueClient, cfg.Pipeline.StaleProcessThreshold(), queue.AllQueues)

	ctx, cancel := context.WithCancel(context.Background())

	go coordinator.Run(ctx)
	go timeoutEnforcer.Run(ctx)
	go runHealthLoop(ctx, healthChecker, cfg.Pipeline.MaintenanceInterval())

	logger.Info("协调器已启动",
		zap.Duration("trigger_interval", cfg.Pipeline.TriggerInterval()),
		zap.Duration("timeout_sweep_interval", cfg.Pipeline.TimeoutSweepInterval()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭协调器...")
	cancel()
	logger.Info("协调器已安全关闭")
}

func runHealthLoop(ctx context.Context, checker *health.Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := checker.Check(ctx)
			for queueName, depth := range report.QueueDepths {
				metrics.QueueDepthGauge.WithLabelValues(queueName, "pending").Set(float64(depth))
			}
			logger.Info("健康检查完成",
				zap.String("status", report.Status),
				zap.Int64("stale_running", report.StaleRunning),
			)
		}
	}
}
