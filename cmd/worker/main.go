package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/audit"
	"backend/internal/config"
	"backend/internal/entity"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/notification"
	"backend/internal/worker"
	"backend/internal/worker/handlers"
	"backend/internal/workflow"
	"backend/internal/workflow/approval"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Worker 启动中...", zap.String("env", env))

	// 3. 初始化数据库
	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer infra.CloseDatabase()

	// 4. 执行数据库迁移（根据配置）
	if cfg.Database.AutoMigrate {
		if err := runMigrations(db); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	} else {
		logger.Info("跳过自动迁移（配置已禁用）")
	}

	// 5. 初始化 Redis（定义缓存 + asynq）
	redisClient, err := infra.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer infra.CloseRedis()

	// 6. 组装工作流服务
	registry := entity.NewRegistry()
	trail := audit.NewTrail(db)
	dispatcher := notification.NewDispatcher(db)
	catalog := workflow.NewCatalog(db, workflow.WithDefinitionCache(redisClient, 0))
	engine := workflow.NewEngine(db, catalog, registry, trail, dispatcher)
	coordinator := approval.NewCoordinator(db, engine, dispatcher)

	archiver := audit.NewArchiver(db, audit.ArchiverConfig{
		RetentionDays: cfg.Audit.RetentionDays,
		BatchSize:     cfg.Audit.ArchiveBatchSize,
	})

	// 7. 创建 Worker 服务器
	deadlineHandler := handlers.NewDeadlineHandler(coordinator, cfg.Approval.WarningWindow(), logger.Get())
	auditHandler := handlers.NewAuditHandler(archiver, logger.Get())
	workerServer, err := worker.NewServer(cfg, deadlineHandler, auditHandler, logger.Get())
	if err != nil {
		logger.Fatal("创建 Worker 服务器失败", zap.Error(err))
	}

	// 8. 暴露 /metrics
	go serveMetrics()

	// 9. 启动并等待退出信号
	if err := workerServer.Start(); err != nil {
		logger.Fatal("启动 Worker 服务器失败", zap.Error(err))
	}

	// 启动后立即触发一次截止日期扫描，逾期审批不用等第一个调度周期
	queueClient := queue.NewClient(&cfg.Redis)
	defer queueClient.Close()
	if err := queueClient.EnqueueDeadlineScan(cfg.Approval.WarningWindow()); err != nil {
		logger.Warn("投递启动扫描任务失败", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到退出信号，优雅关闭中...")
	workerServer.Shutdown()
	logger.Info("Worker 已退出")
}

func serveMetrics() {
	addr := os.Getenv("APP_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("指标端点启动", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("指标端点退出", zap.Error(err))
	}
}

// runMigrations 迁移工作流相关表
func runMigrations(db *gorm.DB) error {
	logger.Info("执行工作流表自动迁移...")
	return db.AutoMigrate(
		&workflow.Definition{},
		&workflow.State{},
		&workflow.Transition{},
		&workflow.Instance{},
		&workflow.History{},
		&workflow.ApprovalRequest{},
		&workflow.ApprovalResponse{},
		&notification.Notification{},
		&audit.Log{},
		&audit.ArchivedLog{},
		&audit.BudgetChange{},
	)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 尝试从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates,
			filepath.Join(wd, ".env"),
			filepath.Join(wd, "..", ".env"),
			filepath.Join(wd, "..", "..", ".env"),
		)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, ".env"),
			filepath.Join(dir, "..", ".env"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
