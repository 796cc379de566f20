package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"backend/internal/config"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"
)

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewServer 创建后台任务服务器，并挂好周期任务调度。
// 截止日期扫描和审计归档都是幂等任务，多实例部署时重复投递无害。
func NewServer(
	cfg *config.Config,
	deadlineHandler *handlers.DeadlineHandler,
	auditHandler *handlers.AuditHandler,
	logger *zap.Logger,
) (*Server, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"approval": 6, // 审批提醒优先级高
				"audit":    3,
				"default":  1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDeadlineScan, deadlineHandler.HandleDeadlineScan)
	mux.HandleFunc(tasks.TypeAuditArchive, auditHandler.HandleAuditArchive)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})

	scanEvery := cfg.Worker.DeadlineScanEvery()
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", scanEvery),
		asynq.NewTask(tasks.TypeDeadlineScan, nil),
		asynq.Queue("approval"),
	); err != nil {
		return nil, fmt.Errorf("注册截止日期扫描任务失败: %w", err)
	}

	archiveEvery := cfg.Worker.AuditArchiveEvery()
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", archiveEvery),
		asynq.NewTask(tasks.TypeAuditArchive, nil),
		asynq.Queue("audit"),
	); err != nil {
		return nil, fmt.Errorf("注册审计归档任务失败: %w", err)
	}

	logger.Info("周期任务已注册",
		zap.Duration("deadlineScanEvery", scanEvery),
		zap.Duration("auditArchiveEvery", archiveEvery))

	return &Server{
		server:    srv,
		scheduler: scheduler,
		mux:       mux,
		logger:    logger,
	}, nil
}

// Run 启动调度器和 Worker，阻塞直到 Shutdown
func (s *Server) Run() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("启动任务调度器失败: %w", err)
	}
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("启动任务调度器失败: %w", err)
	}
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止调度器和 Worker
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
