package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"yourmoment/internal/config"
	"yourmoment/internal/infra"
	"yourmoment/internal/llm"
	"yourmoment/internal/logger"
	"yourmoment/internal/metrics"
	"yourmoment/internal/models"
	"yourmoment/internal/pipeline/records"
	"yourmoment/internal/pipeline/stages"
	"yourmoment/internal/ratelimit"
	"yourmoment/internal/scraping"
	"yourmoment/internal/session"
	"yourmoment/internal/worker"
)

// cmd/worker runs the asynq server that executes the four stage workers
// and the session invalidation handler. It owns every external
// collaborator a stage worker calls out to: the upstream scraping
// adapter, the LLM factory, the per-credential rate limiters and the
// session cache. The coordinator process never imports this package.
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

	logger.Info("Worker 进程启动中...", zap.String("env", env))

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

	sessionRedisCfg := cfg.Redis
	sessionRedisCfg.DB = cfg.Redis.DB + cfg.Redis.SessionDBOffset
	sessionRedis, err := infra.InitRedis(&sessionRedisCfg)
	if err != nil {
		logger.Fatal("初始化会话缓存 Redis 失败", zap.Error(err))
	}
	defer sessionRedis.Close()

	repo := records.NewRepository(db)
	sessionCache := session.NewCache(sessionRedis, time.Duration(cfg.Redis.SessionTTLMinutes)*time.Minute)
	scraper := scraping.NewHTTPAdapter(cfg.Scraping.BaseURL, cfg.Scraping.UserAgent, cfg.Scraping.Timeout(), repo, sessionCache)
	llmFactory := llm.NewFactory(cfg.LLM)

	preparationLimiter := ratelimit.NewPerCredential(cfg.Pipeline.PreparationRatePerMinute)
	postingLimiter := ratelimit.NewPerCredential(cfg.Pipeline.PostingRatePerMinute)

	workers := worker.Workers{
		Discovery:   stages.NewDiscoveryWorker(repo, scraper),
		Preparation: stages.NewPreparationWorker(repo, scraper, preparationLimiter),
		Generation:  stages.NewGenerationWorker(repo, llmFactory, cfg.Pipeline.AICommentPrefix),
		Posting:     stages.NewPostingWorker(repo, scraper, postingLimiter, cfg.Pipeline.MaxRetries),
		Sessions:    sessionCache,
	}

	server := worker.NewServer(cfg.Redis, workers, logger.Get())

	go func() {
		if err := server.Run(); err != nil {
			logger.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
	}()

	logger.Info("Worker 进程已启动")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭 Worker 进程...")
	server.Shutdown()
	logger.Info("Worker 进程已安全关闭")
}
