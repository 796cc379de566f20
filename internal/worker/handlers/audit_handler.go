package handlers

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"backend/internal/audit"
)

// LogArchiver 审计归档能力抽象
type LogArchiver interface {
	Archive(ctx context.Context) (*audit.ArchiveResult, error)
}

type AuditHandler struct {
	archiver LogArchiver
	logger   *zap.Logger
}

func NewAuditHandler(archiver LogArchiver, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		archiver: archiver,
		logger:   logger,
	}
}

func (h *AuditHandler) HandleAuditArchive(ctx context.Context, t *asynq.Task) error {
	result, err := h.archiver.Archive(ctx)
	if err != nil {
		h.logger.Error("审计日志归档失败", zap.Error(err))
		return err
	}

	if result.ArchivedRows > 0 {
		h.logger.Info("审计日志归档任务完成",
			zap.Int64("rows", result.ArchivedRows),
			zap.Int("batches", result.Batches),
		)
	}
	return nil
}
