package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"backend/internal/worker/tasks"
	"backend/internal/workflow/approval"
)

// DeadlineScanner 截止日期扫描能力抽象，便于注入 mock
type DeadlineScanner interface {
	ScanDeadlines(ctx context.Context, warningWindow time.Duration) (*approval.DeadlineScanResult, error)
}

type DeadlineHandler struct {
	scanner       DeadlineScanner
	defaultWindow time.Duration
	logger        *zap.Logger
}

func NewDeadlineHandler(scanner DeadlineScanner, defaultWindow time.Duration, logger *zap.Logger) *DeadlineHandler {
	return &DeadlineHandler{
		scanner:       scanner,
		defaultWindow: defaultWindow,
		logger:        logger,
	}
}

func (h *DeadlineHandler) HandleDeadlineScan(ctx context.Context, t *asynq.Task) error {
	var p tasks.DeadlineScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}
	}

	window := h.defaultWindow
	if p.WarningWindowSeconds > 0 {
		window = time.Duration(p.WarningWindowSeconds) * time.Second
	}

	result, err := h.scanner.ScanDeadlines(ctx, window)
	if err != nil {
		h.logger.Error("截止日期扫描失败", zap.Error(err))
		return err
	}

	if result.Warned > 0 || result.Passed > 0 {
		h.logger.Info("截止日期扫描完成",
			zap.Int("warned", result.Warned),
			zap.Int("passed", result.Passed),
		)
	}
	return nil
}
