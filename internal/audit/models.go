package audit

import (
	"time"

	"backend/internal/entity"
)

// Action 审计动作枚举
type Action string

const (
	ActionCreated             Action = "created"
	ActionUpdated             Action = "updated"
	ActionDeleted             Action = "deleted"
	ActionStateChanged        Action = "state_changed"
	ActionApproved            Action = "approved"
	ActionRejected            Action = "rejected"
	ActionReturned            Action = "returned"
	ActionPricingOverridden   Action = "pricing_overridden"
	ActionFeeOverridden       Action = "fee_overridden"
	ActionPermChanged         Action = "perm_changed"
	ActionBudgetHoldCreated   Action = "budget_hold_created"
	ActionBudgetHoldClosed    Action = "budget_hold_closed"
	ActionMonthClosureCreated Action = "month_closure_created"
	ActionMonthClosureClosed  Action = "month_closure_closed"
	ActionMonthClosureReopen  Action = "month_closure_reopened"
)

// Log 审计日志。所有影响策划实体的活动都必须登记，只追加，应用层不修改不删除。
type Log struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	// 受影响的实体
	EntityType entity.Type `json:"entityType" gorm:"size:50;not null;index:idx_audit_entity,priority:1;index:idx_audit_entity_action,priority:1"`
	EntityID   string      `json:"entityId" gorm:"type:uuid;not null;index:idx_audit_entity,priority:2"`

	// 动作与描述
	Action      Action `json:"action" gorm:"size:30;not null;index;index:idx_audit_entity_action,priority:2"`
	Description string `json:"description" gorm:"type:text;not null"`

	// 状态变更专用字段
	OldState string `json:"oldState,omitempty" gorm:"size:50"`
	NewState string `json:"newState,omitempty" gorm:"size:50"`

	// 附加上下文
	ExtraData map[string]any `json:"extraData,omitempty" gorm:"type:jsonb;serializer:json"`

	// 操作人（系统动作为空）
	CreatedBy string `json:"createdBy,omitempty" gorm:"type:uuid;index"`

	// 请求来源
	IPAddress string `json:"ipAddress,omitempty" gorm:"size:45"`
	UserAgent string `json:"userAgent,omitempty" gorm:"size:500"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// TableName 指定表名
func (Log) TableName() string {
	return "audit_logs"
}

// ArchivedLog 已归档的审计日志，结构与 audit_logs 一致，由归档任务搬移
type ArchivedLog struct {
	ID          string         `json:"id" gorm:"primaryKey;type:uuid"`
	EntityType  entity.Type    `json:"entityType" gorm:"size:50;not null;index:idx_audit_arch_entity,priority:1"`
	EntityID    string         `json:"entityId" gorm:"type:uuid;not null;index:idx_audit_arch_entity,priority:2"`
	Action      Action         `json:"action" gorm:"size:30;not null"`
	Description string         `json:"description" gorm:"type:text;not null"`
	OldState    string         `json:"oldState,omitempty" gorm:"size:50"`
	NewState    string         `json:"newState,omitempty" gorm:"size:50"`
	ExtraData   map[string]any `json:"extraData,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedBy   string         `json:"createdBy,omitempty" gorm:"type:uuid"`
	IPAddress   string         `json:"ipAddress,omitempty" gorm:"size:45"`
	UserAgent   string         `json:"userAgent,omitempty" gorm:"size:500"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"not null;index"`
	ArchivedAt  time.Time      `json:"archivedAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (ArchivedLog) TableName() string {
	return "audit_logs_archive"
}

// BudgetChange 预算变更日志。所有金额字段（micros）的变化都必须登记一条，
// 手工覆盖计算价时 is_manual_override=true，且必须同时落一条 audit_logs。
type BudgetChange struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	// 受影响的实体
	EntityType entity.Type `json:"entityType" gorm:"size:50;not null;index:idx_budget_entity,priority:1"`
	EntityID   string      `json:"entityId" gorm:"type:uuid;not null;index:idx_budget_entity,priority:2"`

	// 变更字段与前后值（micros 定点整数）
	FieldName      string  `json:"fieldName" gorm:"size:100;not null;index"`
	OldValueMicros *Micros `json:"oldValueMicros" gorm:"type:bigint"`
	NewValueMicros Micros  `json:"newValueMicros" gorm:"type:bigint;not null"`

	// 变更原因（手工覆盖必填）
	Reason string `json:"reason,omitempty" gorm:"type:text"`

	// 是否手工覆盖
	IsManualOverride bool `json:"isManualOverride" gorm:"default:false;index"`

	// 操作人与时间
	ChangedBy string    `json:"changedBy,omitempty" gorm:"type:uuid;index"`
	ChangedAt time.Time `json:"changedAt" gorm:"not null;autoCreateTime;index"`

	// 变更时的上下文快照
	EntityState    string `json:"entityState,omitempty" gorm:"size:50"`
	PricingModelID string `json:"pricingModelId,omitempty" gorm:"type:uuid"`
}

// TableName 指定表名
func (BudgetChange) TableName() string {
	return "budget_change_logs"
}

// DeltaMicros 返回变更差值（旧值为空时即新值）
func (b *BudgetChange) DeltaMicros() Micros {
	if b.OldValueMicros != nil {
		return b.NewValueMicros - *b.OldValueMicros
	}
	return b.NewValueMicros
}
