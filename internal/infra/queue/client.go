package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"backend/internal/config"
	"backend/internal/worker/tasks"
)

// Client 任务队列客户端接口。
// 周期任务由调度器投递，这里提供按需触发的入口（如配置变更后立即归档）。
type Client interface {
	EnqueueDeadlineScan(warningWindow time.Duration) error
	EnqueueAuditArchive() error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg *config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueDeadlineScan(warningWindow time.Duration) error {
	payload, err := json.Marshal(tasks.DeadlineScanPayload{
		WarningWindowSeconds: int(warningWindow / time.Second),
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeDeadlineScan, payload)
	_, err = c.client.Enqueue(task,
		asynq.Queue("approval"),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue deadline scan failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueAuditArchive() error {
	task := asynq.NewTask(tasks.TypeAuditArchive, nil)
	_, err := c.client.Enqueue(task,
		asynq.Queue("audit"),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue audit archive failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
