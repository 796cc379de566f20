package workflow

import (
	"time"

	"backend/internal/entity"
)

// StateType 状态类型枚举
type StateType string

const (
	StateTypeInitial      StateType = "initial"
	StateTypeIntermediate StateType = "intermediate"
	StateTypeFinal        StateType = "final"
)

// Definition 工作流定义（模板）。
// 每个租户、每种实体类型最多一个 is_default=true 的激活定义。
type Definition struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID string `json:"tenantId" gorm:"type:uuid;not null;index;uniqueIndex:idx_wf_def_tenant_code,priority:1"`

	Name        string `json:"name" gorm:"size:255;not null"`
	Code        string `json:"code" gorm:"size:50;not null;uniqueIndex:idx_wf_def_tenant_code,priority:2"`
	Description string `json:"description" gorm:"type:text"`

	EntityType entity.Type `json:"entityType" gorm:"size:50;not null;index:idx_wf_def_entity"`

	IsActive  bool `json:"isActive" gorm:"default:true"`
	IsDefault bool `json:"isDefault" gorm:"default:false"`

	States      []State      `json:"states,omitempty" gorm:"foreignKey:DefinitionID"`
	Transitions []Transition `json:"transitions,omitempty" gorm:"foreignKey:DefinitionID"`

	CreatedBy string    `json:"createdBy,omitempty" gorm:"type:uuid"`
	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Definition) TableName() string {
	return "workflow_definitions"
}

// State 工作流状态节点
type State struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	DefinitionID string `json:"definitionId" gorm:"type:uuid;not null;index;uniqueIndex:idx_wf_state_def_code,priority:1"`

	Name        string `json:"name" gorm:"size:100;not null"`
	Code        string `json:"code" gorm:"size:50;not null;uniqueIndex:idx_wf_state_def_code,priority:2"`
	Description string `json:"description" gorm:"type:text"`

	StateType StateType `json:"stateType" gorm:"size:20;not null;default:intermediate"`

	// 展示属性
	Color        string `json:"color" gorm:"size:7;default:#6B7280"`
	Icon         string `json:"icon,omitempty" gorm:"size:50"`
	DisplayOrder int    `json:"displayOrder" gorm:"default:0"`

	// 行为属性
	IsEditable       bool `json:"isEditable" gorm:"default:true"`
	RequiresApproval bool `json:"requiresApproval" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (State) TableName() string {
	return "workflow_states"
}

// IsInitial 是否初始状态
func (s *State) IsInitial() bool {
	return s.StateType == StateTypeInitial
}

// IsFinal 是否终态
func (s *State) IsFinal() bool {
	return s.StateType == StateTypeFinal
}

// Transition 状态流转边。(definition, from, to) 唯一。
type Transition struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	DefinitionID string `json:"definitionId" gorm:"type:uuid;not null;index;uniqueIndex:idx_wf_trans_edge,priority:1"`

	Name string `json:"name" gorm:"size:100;not null"`
	Code string `json:"code" gorm:"size:50;not null"`

	FromStateID string `json:"fromStateId" gorm:"type:uuid;not null;index;uniqueIndex:idx_wf_trans_edge,priority:2"`
	ToStateID   string `json:"toStateId" gorm:"type:uuid;not null;uniqueIndex:idx_wf_trans_edge,priority:3"`

	FromState *State `json:"fromState,omitempty" gorm:"foreignKey:FromStateID"`
	ToState   *State `json:"toState,omitempty" gorm:"foreignKey:ToStateID"`

	// 权限：空列表表示不限制组
	AllowedGroups []string `json:"allowedGroups,omitempty" gorm:"type:jsonb;serializer:json"`

	// 行为
	RequiresComment  bool `json:"requiresComment" gorm:"default:false"`
	RequiresApproval bool `json:"requiresApproval" gorm:"default:false"`
	AutoExecute      bool `json:"autoExecute" gorm:"default:false"`

	// 自动执行条件表达式，如 "budget_micros <= 5000000000"。
	// 仅 auto_execute=true 时求值，空表达式视为恒真。
	Condition string `json:"condition,omitempty" gorm:"size:500"`

	// 通知
	NotifyUsers bool `json:"notifyUsers" gorm:"default:true"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Transition) TableName() string {
	return "workflow_transitions"
}

// Instance 某个业务实体上的工作流实例。
// active_key 在实例活跃时为 "entity_type:entity_id"，完成后置 NULL，
// 唯一索引由此保证同一实体最多一个活跃实例，且不阻塞历史实例。
type Instance struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID     string `json:"tenantId" gorm:"type:uuid;not null;index"`
	DefinitionID string `json:"definitionId" gorm:"type:uuid;not null;index"`

	CurrentStateID string `json:"currentStateId" gorm:"type:uuid;not null"`
	CurrentState   *State `json:"currentState,omitempty" gorm:"foreignKey:CurrentStateID"`

	EntityType entity.Type `json:"entityType" gorm:"size:50;not null;index:idx_wf_inst_entity,priority:1"`
	EntityID   string      `json:"entityId" gorm:"type:uuid;not null;index:idx_wf_inst_entity,priority:2"`

	IsActive  bool    `json:"isActive" gorm:"default:true"`
	ActiveKey *string `json:"-" gorm:"size:120;uniqueIndex:idx_wf_inst_active_key"`

	StartedAt   time.Time  `json:"startedAt" gorm:"not null;autoCreateTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Instance) TableName() string {
	return "workflow_instances"
}

// EntityRef 返回实例绑定的实体引用
func (i *Instance) EntityRef() entity.Ref {
	return entity.Ref{Type: i.EntityType, ID: i.EntityID}
}

// History 状态流转历史，只追加
type History struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	InstanceID string `json:"instanceId" gorm:"type:uuid;not null;index"`

	// 流转可能被删除，历史保留
	TransitionID *string `json:"transitionId,omitempty" gorm:"type:uuid"`

	FromStateID string `json:"fromStateId" gorm:"type:uuid;not null"`
	ToStateID   string `json:"toStateId" gorm:"type:uuid;not null"`
	FromState   *State `json:"fromState,omitempty" gorm:"foreignKey:FromStateID"`
	ToState     *State `json:"toState,omitempty" gorm:"foreignKey:ToStateID"`

	PerformedBy string    `json:"performedBy,omitempty" gorm:"type:uuid;index"`
	PerformedAt time.Time `json:"performedAt" gorm:"not null;autoCreateTime;index"`

	Comment  string         `json:"comment,omitempty" gorm:"type:text"`
	Metadata map[string]any `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
}

// TableName 指定表名
func (History) TableName() string {
	return "workflow_history"
}
