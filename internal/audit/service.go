package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/entity"
	"backend/internal/logger"
	"backend/internal/metrics"
)

// Trail 审计日志服务。
// 审计失败必须让业务事务一起回滚，所以所有写入都走调用方传入的事务句柄，
// 不做静默吞错。
type Trail struct {
	db *gorm.DB
}

// NewTrail 创建审计服务
func NewTrail(db *gorm.DB) *Trail {
	return &Trail{db: db}
}

// WithTx 返回绑定到指定事务的审计服务副本
func (t *Trail) WithTx(tx *gorm.DB) *Trail {
	return &Trail{db: tx}
}

// Entry 单条审计事件参数
type Entry struct {
	Entity      entity.Ref
	Action      Action
	Description string
	OldState    string
	NewState    string
	ExtraData   map[string]any
	ActorID     string
	IPAddress   string
	UserAgent   string
}

// LogEvent 登记一条审计日志
func (t *Trail) LogEvent(ctx context.Context, e Entry) (*Log, error) {
	if err := e.Entity.Validate(); err != nil {
		return nil, err
	}
	if e.Action == "" {
		return nil, fmt.Errorf("审计动作不能为空")
	}

	record := &Log{
		ID:          uuid.New().String(),
		EntityType:  e.Entity.Type,
		EntityID:    e.Entity.ID,
		Action:      e.Action,
		Description: e.Description,
		OldState:    e.OldState,
		NewState:    e.NewState,
		ExtraData:   e.ExtraData,
		CreatedBy:   e.ActorID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
	}

	if err := t.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("写入审计日志失败: %w", err)
	}

	metrics.AuditEntriesTotal.WithLabelValues(string(e.Action)).Inc()
	return record, nil
}

// LogStateChange 登记一次状态变更。描述格式固定为 "status: 旧 -> 新"，
// 便于按文本检索历史。
func (t *Trail) LogStateChange(ctx context.Context, ref entity.Ref, oldState, newState, actorID string, extra map[string]any) (*Log, error) {
	return t.LogEvent(ctx, Entry{
		Entity:      ref,
		Action:      ActionStateChanged,
		Description: fmt.Sprintf("status: %s -> %s", oldState, newState),
		OldState:    oldState,
		NewState:    newState,
		ExtraData:   extra,
		ActorID:     actorID,
	})
}

// BudgetEntry 预算变更参数
type BudgetEntry struct {
	Entity           entity.Ref
	FieldName        string
	OldValue         *Micros
	NewValue         Micros
	Reason           string
	IsManualOverride bool
	ActorID          string
	EntityState      string
	PricingModelID   string
}

// LogBudgetChange 登记一条预算变更日志。
// 手工覆盖（IsManualOverride=true）必须附带原因。
func (t *Trail) LogBudgetChange(ctx context.Context, e BudgetEntry) (*BudgetChange, error) {
	if err := e.Entity.Validate(); err != nil {
		return nil, err
	}
	if e.FieldName == "" {
		return nil, fmt.Errorf("预算变更字段名不能为空")
	}
	if e.IsManualOverride && e.Reason == "" {
		return nil, fmt.Errorf("手工覆盖必须填写原因")
	}

	record := &BudgetChange{
		ID:               uuid.New().String(),
		EntityType:       e.Entity.Type,
		EntityID:         e.Entity.ID,
		FieldName:        e.FieldName,
		OldValueMicros:   e.OldValue,
		NewValueMicros:   e.NewValue,
		Reason:           e.Reason,
		IsManualOverride: e.IsManualOverride,
		ChangedBy:        e.ActorID,
		EntityState:      e.EntityState,
		PricingModelID:   e.PricingModelID,
	}

	if err := t.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("写入预算变更日志失败: %w", err)
	}

	metrics.BudgetChangesTotal.WithLabelValues(
		string(e.Entity.Type), strconv.FormatBool(e.IsManualOverride),
	).Inc()
	return record, nil
}

// LogPricingOverride 登记一次计算价手工覆盖。
// 预算变更记录和审计记录在同一事务内落库，缺一即整体回滚。
func (t *Trail) LogPricingOverride(ctx context.Context, e BudgetEntry) (*BudgetChange, error) {
	return t.logOverride(ctx, e, ActionPricingOverridden, "计算价手工覆盖")
}

// LogFeeOverride 登记一次费用手工覆盖，配对规则同 LogPricingOverride
func (t *Trail) LogFeeOverride(ctx context.Context, e BudgetEntry) (*BudgetChange, error) {
	return t.logOverride(ctx, e, ActionFeeOverridden, "费用手工覆盖")
}

func (t *Trail) logOverride(ctx context.Context, e BudgetEntry, action Action, label string) (*BudgetChange, error) {
	e.IsManualOverride = true

	var change *BudgetChange
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := t.WithTx(tx)

		var err error
		change, err = scoped.LogBudgetChange(ctx, e)
		if err != nil {
			return err
		}

		old := "(空)"
		if e.OldValue != nil {
			old = e.OldValue.String()
		}
		_, err = scoped.LogEvent(ctx, Entry{
			Entity:      e.Entity,
			Action:      action,
			Description: fmt.Sprintf("%s %s: %s -> %s (%s)", label, e.FieldName, old, e.NewValue, e.Reason),
			ExtraData: map[string]any{
				"fieldName":      e.FieldName,
				"newValueMicros": int64(e.NewValue),
				"reason":         e.Reason,
			},
			ActorID: e.ActorID,
		})
		return err
	})
	if err != nil {
		logger.WithContext(ctx).Error("手工覆盖登记失败",
			zap.String("entity", e.Entity.Key()),
			zap.String("field", e.FieldName),
			zap.Error(err))
		return nil, err
	}
	return change, nil
}

// ListForEntity 按实体查询审计日志，新的在前
func (t *Trail) ListForEntity(ctx context.Context, ref entity.Ref, page common.PaginationRequest) ([]Log, int64, error) {
	if err := ref.Validate(); err != nil {
		return nil, 0, err
	}

	query := t.db.WithContext(ctx).Model(&Log{}).
		Scopes(common.ByEntity(string(ref.Type), ref.ID))

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计日志失败: %w", err)
	}

	var logs []Log
	if err := query.
		Order("created_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return logs, total, nil
}

// BudgetHistory 按实体和字段查询预算变更历史，新的在前。
// fieldName 为空时返回该实体全部字段的变更。
func (t *Trail) BudgetHistory(ctx context.Context, ref entity.Ref, fieldName string, page common.PaginationRequest) ([]BudgetChange, int64, error) {
	if err := ref.Validate(); err != nil {
		return nil, 0, err
	}

	query := t.db.WithContext(ctx).Model(&BudgetChange{}).
		Scopes(common.ByEntity(string(ref.Type), ref.ID))
	if fieldName != "" {
		query = query.Where("field_name = ?", fieldName)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计预算变更失败: %w", err)
	}

	var changes []BudgetChange
	if err := query.
		Order("changed_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&changes).Error; err != nil {
		return nil, 0, fmt.Errorf("查询预算变更失败: %w", err)
	}
	return changes, total, nil
}

// OverridesInRange 查询时间窗口内的全部手工覆盖记录，供对账报表使用
func (t *Trail) OverridesInRange(ctx context.Context, from, to time.Time) ([]BudgetChange, error) {
	var changes []BudgetChange
	err := t.db.WithContext(ctx).
		Where("is_manual_override = ?", true).
		Where("changed_at >= ? AND changed_at < ?", from, to).
		Order("changed_at ASC").
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("查询手工覆盖记录失败: %w", err)
	}
	return changes, nil
}
