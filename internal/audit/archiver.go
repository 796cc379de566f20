package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/logger"
	"backend/internal/metrics"
)

// Archiver 审计日志归档器。
// 超过保留期的 audit_logs 按批搬入 audit_logs_archive，每批一个事务，
// 先插归档表再删源表，失败时整批回滚。
type Archiver struct {
	db            *gorm.DB
	retentionDays int
	batchSize     int
	mu            sync.Mutex
}

// ArchiverConfig 归档配置
type ArchiverConfig struct {
	RetentionDays int // 数据库保留天数，默认 365
	BatchSize     int // 单批行数，默认 500
}

// NewArchiver 创建归档器
func NewArchiver(db *gorm.DB, cfg ArchiverConfig) *Archiver {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		db:            db,
		retentionDays: cfg.RetentionDays,
		batchSize:     cfg.BatchSize,
	}
}

// ArchiveResult 归档结果
type ArchiveResult struct {
	ArchivedRows int64         `json:"archivedRows"`
	Batches      int           `json:"batches"`
	Cutoff       time.Time     `json:"cutoff"`
	Duration     time.Duration `json:"duration"`
}

// Archive 执行一轮归档。同一进程内互斥，避免定时任务重入。
func (a *Archiver) Archive(ctx context.Context) (*ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	cutoff := start.UTC().AddDate(0, 0, -a.retentionDays)
	result := &ArchiveResult{Cutoff: cutoff}

	log := logger.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		moved, err := a.archiveBatch(ctx, cutoff)
		if err != nil {
			return result, err
		}
		if moved == 0 {
			break
		}
		result.ArchivedRows += moved
		result.Batches++
	}

	result.Duration = time.Since(start)
	if result.ArchivedRows > 0 {
		metrics.AuditArchivedTotal.Add(float64(result.ArchivedRows))
		log.Info("审计日志归档完成",
			zap.Int64("rows", result.ArchivedRows),
			zap.Int("batches", result.Batches),
			zap.Time("cutoff", cutoff),
			zap.Duration("duration", result.Duration))
	}
	return result, nil
}

func (a *Archiver) archiveBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	var moved int64

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []Log
		if err := tx.
			Where("created_at < ?", cutoff).
			Order("created_at ASC").
			Limit(a.batchSize).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("读取待归档日志失败: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		archived := make([]ArchivedLog, 0, len(batch))
		ids := make([]string, 0, len(batch))
		now := time.Now().UTC()
		for _, l := range batch {
			archived = append(archived, ArchivedLog{
				ID:          l.ID,
				EntityType:  l.EntityType,
				EntityID:    l.EntityID,
				Action:      l.Action,
				Description: l.Description,
				OldState:    l.OldState,
				NewState:    l.NewState,
				ExtraData:   l.ExtraData,
				CreatedBy:   l.CreatedBy,
				IPAddress:   l.IPAddress,
				UserAgent:   l.UserAgent,
				CreatedAt:   l.CreatedAt,
				ArchivedAt:  now,
			})
			ids = append(ids, l.ID)
		}

		if err := tx.Create(&archived).Error; err != nil {
			return fmt.Errorf("写入归档表失败: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Log{}).Error; err != nil {
			return fmt.Errorf("删除已归档日志失败: %w", err)
		}

		moved = int64(len(batch))
		return nil
	})
	return moved, err
}
