package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/audit"
	"backend/internal/entity"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/notification"
)

// Engine 工作流状态机引擎。
// 一次流转的全部效果（历史、状态、实体 status 回写、审计、通知）在同一事务内落库。
type Engine struct {
	db         *gorm.DB
	catalog    *Catalog
	entities   *entity.Registry
	trail      *audit.Trail
	dispatcher *notification.Dispatcher
	logger     *zap.Logger
}

// EngineOption 自定义配置
type EngineOption func(*Engine)

// WithEngineLogger 注入自定义日志器
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine 创建状态机引擎
func NewEngine(db *gorm.DB, catalog *Catalog, entities *entity.Registry, trail *audit.Trail, dispatcher *notification.Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		db:         db,
		catalog:    catalog,
		entities:   entities,
		trail:      trail,
		dispatcher: dispatcher,
		logger:     logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Catalog 返回引擎使用的定义目录
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// GetOrCreateInstance 获取实体的活跃工作流实例，没有则按默认（或指定）定义创建。
// 并发创建依赖 active_key 唯一索引兜底：插入冲突时改为读取既有实例。
func (e *Engine) GetOrCreateInstance(ctx context.Context, tenantID string, ref entity.Ref, definitionID string) (*Instance, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	if inst, err := e.ActiveInstance(ctx, ref); err != nil {
		return nil, err
	} else if inst != nil {
		return inst, nil
	}

	var def *Definition
	var err error
	if definitionID != "" {
		def, err = e.catalog.GetDefinition(ctx, tenantID, definitionID)
	} else {
		def, err = e.catalog.DefaultDefinition(ctx, tenantID, ref.Type)
	}
	if err != nil {
		return nil, err
	}

	initial, err := e.catalog.InitialState(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	key := ref.Key()
	inst := &Instance{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		DefinitionID:   def.ID,
		CurrentStateID: initial.ID,
		EntityType:     ref.Type,
		EntityID:       ref.ID,
		IsActive:       true,
		ActiveKey:      &key,
	}

	if err := e.db.WithContext(ctx).Create(inst).Error; err != nil {
		// 唯一索引冲突说明并发创建已经成功，读回即可
		existing, lookupErr := e.ActiveInstance(ctx, ref)
		if lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, WrapError(KindTransactionFailed, err, "创建工作流实例失败")
	}

	metrics.WorkflowInstancesActive.WithLabelValues(tenantID, string(ref.Type)).Inc()
	e.logger.Info("创建工作流实例",
		zap.String("instanceId", inst.ID),
		zap.String("entity", key),
		zap.String("definitionId", def.ID))
	return inst, nil
}

// ActiveInstance 查找实体的活跃实例，没有返回 nil
func (e *Engine) ActiveInstance(ctx context.Context, ref entity.Ref) (*Instance, error) {
	var inst Instance
	err := e.db.WithContext(ctx).
		Preload("CurrentState").
		Where("active_key = ?", ref.Key()).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询工作流实例失败: %w", err)
	}
	return &inst, nil
}

// InstanceByID 按 ID 查询实例
func (e *Engine) InstanceByID(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := e.db.WithContext(ctx).
		Preload("CurrentState").
		First(&inst, "id = ?", instanceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("工作流实例不存在")
		}
		return nil, fmt.Errorf("查询工作流实例失败: %w", err)
	}
	return &inst, nil
}

// AvailableTransitions 查询实例当前状态下 actor 可执行的流转
func (e *Engine) AvailableTransitions(ctx context.Context, instanceID string, actor *Actor) ([]Transition, error) {
	inst, err := e.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive {
		return nil, nil
	}
	return e.catalog.TransitionsFrom(ctx, inst.DefinitionID, inst.CurrentStateID, actor)
}

// CanTransition 判断流转是否可执行。
// 检查顺序固定：实例活跃、起点匹配、组权限、待审批阻塞。
// 返回 nil 表示可执行，否则返回带类别的拒绝原因。
func (e *Engine) CanTransition(ctx context.Context, inst *Instance, trans *Transition, actor Actor) error {
	return e.canTransition(e.db.WithContext(ctx), inst, trans, actor)
}

func (e *Engine) canTransition(tx *gorm.DB, inst *Instance, trans *Transition, actor Actor) error {
	if !inst.IsActive {
		return NewError(KindInstanceCompleted, "工作流实例已完成")
	}
	if trans.FromStateID != inst.CurrentStateID {
		return NewError(KindInvalidTransition, "Transition not available from current state")
	}
	if !actor.IsSuperuser && !actor.InGroups(trans.AllowedGroups) {
		return NewError(KindUnauthorized, "User does not have permission for this transition")
	}
	if trans.RequiresApproval {
		var pending int64
		err := tx.Model(&ApprovalRequest{}).
			Where("instance_id = ? AND transition_id = ? AND status = ?",
				inst.ID, trans.ID, ApprovalStatusPending).
			Count(&pending).Error
		if err != nil {
			return WrapError(KindTransactionFailed, err, "检查待审批请求失败")
		}
		if pending > 0 {
			return NewError(KindApprovalPending, "Approval is pending for this transition")
		}
	}
	return nil
}

// ExecuteRequest 执行流转请求
type ExecuteRequest struct {
	InstanceID   string
	TransitionID string
	Actor        Actor
	Comment      string
	Metadata     map[string]any
}

// ExecuteTransition 执行一次流转。
// 任何一步失败（包括实体 status 回写和审计落库）都整体回滚。
func (e *Engine) ExecuteTransition(ctx context.Context, req *ExecuteRequest) (*History, error) {
	var history *History
	var inst *Instance
	var trans *Transition

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inst, trans, history, err = e.executeInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if kind := KindOf(err); kind != "" {
			metrics.WorkflowErrorsTotal.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}

	metrics.WorkflowTransitionsTotal.WithLabelValues(
		inst.TenantID, string(inst.EntityType), trans.ToState.Code,
	).Inc()
	if trans.ToState.IsFinal() {
		metrics.WorkflowInstancesActive.WithLabelValues(inst.TenantID, string(inst.EntityType)).Dec()
	}

	e.logger.Info("工作流流转完成",
		zap.String("instanceId", inst.ID),
		zap.String("entity", inst.EntityRef().Key()),
		zap.String("from", trans.FromState.Code),
		zap.String("to", trans.ToState.Code),
		zap.String("actor", req.Actor.ID))
	return history, nil
}

// ExecuteTransitionInTx 在调用方已开启的事务内执行流转。
// 审批落定等需要和流转原子绑定的场景使用，指标在事务内乐观上报。
func (e *Engine) ExecuteTransitionInTx(ctx context.Context, tx *gorm.DB, req *ExecuteRequest) (*History, error) {
	inst, trans, history, err := e.executeInTx(ctx, tx, req)
	if err != nil {
		if kind := KindOf(err); kind != "" {
			metrics.WorkflowErrorsTotal.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}

	metrics.WorkflowTransitionsTotal.WithLabelValues(
		inst.TenantID, string(inst.EntityType), trans.ToState.Code,
	).Inc()
	if trans.ToState.IsFinal() {
		metrics.WorkflowInstancesActive.WithLabelValues(inst.TenantID, string(inst.EntityType)).Dec()
	}
	return history, nil
}

func (e *Engine) executeInTx(ctx context.Context, tx *gorm.DB, req *ExecuteRequest) (*Instance, *Transition, *History, error) {
	var inst Instance
	if err := tx.First(&inst, "id = ?", req.InstanceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, fmt.Errorf("工作流实例不存在")
		}
		return nil, nil, nil, WrapError(KindTransactionFailed, err, "查询工作流实例失败")
	}

	var trans Transition
	if err := tx.Preload("FromState").Preload("ToState").
		First(&trans, "id = ?", req.TransitionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, fmt.Errorf("流转不存在")
		}
		return nil, nil, nil, WrapError(KindTransactionFailed, err, "查询流转失败")
	}
	if trans.FromState == nil || trans.ToState == nil {
		return nil, nil, nil, fmt.Errorf("流转状态数据不完整")
	}

	if err := e.canTransition(tx, &inst, &trans, req.Actor); err != nil {
		return nil, nil, nil, err
	}
	if trans.RequiresComment && req.Comment == "" {
		return nil, nil, nil, NewError(KindCommentRequired, "此流转必须填写备注")
	}

	now := time.Now().UTC()

	history := &History{
		ID:           uuid.New().String(),
		InstanceID:   inst.ID,
		TransitionID: &trans.ID,
		FromStateID:  trans.FromStateID,
		ToStateID:    trans.ToStateID,
		PerformedBy:  req.Actor.ID,
		PerformedAt:  now,
		Comment:      req.Comment,
		Metadata:     req.Metadata,
	}
	if err := tx.Create(history).Error; err != nil {
		return nil, nil, nil, WrapError(KindTransactionFailed, err, "写入流转历史失败")
	}

	// 并发守卫：只有当前状态仍是流转起点时更新才生效
	updates := map[string]any{
		"current_state_id": trans.ToStateID,
		"updated_at":       now,
	}
	if trans.ToState.IsFinal() {
		updates["is_active"] = false
		updates["active_key"] = nil
		updates["completed_at"] = now
	}
	result := tx.Model(&Instance{}).
		Where("id = ? AND current_state_id = ? AND is_active = ?", inst.ID, trans.FromStateID, true).
		Updates(updates)
	if result.Error != nil {
		return nil, nil, nil, WrapError(KindTransactionFailed, result.Error, "更新实例状态失败")
	}
	if result.RowsAffected != 1 {
		return nil, nil, nil, NewError(KindInvalidTransition, "Transition not available from current state")
	}

	// 实体 status 回写失败即整体回滚，未注册适配器属于配置错误
	if err := e.entities.PushStatus(ctx, tx, inst.EntityRef(), trans.ToState.Code); err != nil {
		return nil, nil, nil, err
	}

	if _, err := e.trail.WithTx(tx).LogStateChange(ctx, inst.EntityRef(),
		trans.FromState.Code, trans.ToState.Code, req.Actor.ID, req.Metadata); err != nil {
		return nil, nil, nil, err
	}

	if trans.NotifyUsers {
		if err := e.dispatcher.NotifyStateChanged(ctx, tx, req.Actor.ID, inst.ID,
			trans.FromState.Name, trans.ToState.Name); err != nil {
			return nil, nil, nil, err
		}
	}

	return &inst, &trans, history, nil
}

// AutoAdvance 尝试自动推进实例。
// 扫描当前状态下 auto_execute=true 的流转，按条件表达式求值，
// 第一条命中且可执行的流转以系统身份执行。没有命中返回 nil。
func (e *Engine) AutoAdvance(ctx context.Context, instanceID string, env map[string]any) (*History, error) {
	inst, err := e.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive {
		return nil, nil
	}

	transitions, err := e.catalog.TransitionsFrom(ctx, inst.DefinitionID, inst.CurrentStateID, nil)
	if err != nil {
		return nil, err
	}

	system := System()
	for i := range transitions {
		trans := &transitions[i]
		if !trans.AutoExecute {
			continue
		}

		ok, evalErr := evalCondition(trans.Condition, env)
		if evalErr != nil {
			e.logger.Warn("自动流转条件求值失败",
				zap.String("transitionId", trans.ID),
				zap.String("condition", trans.Condition),
				zap.Error(evalErr))
			continue
		}
		if !ok {
			continue
		}
		if err := e.CanTransition(ctx, inst, trans, system); err != nil {
			continue
		}

		return e.ExecuteTransition(ctx, &ExecuteRequest{
			InstanceID:   inst.ID,
			TransitionID: trans.ID,
			Actor:        system,
			Comment:      "Auto-executed",
			Metadata:     env,
		})
	}
	return nil, nil
}

// evalCondition 求值自动流转条件，空表达式恒真
func evalCondition(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	expr, err := govaluate.NewEvaluableExpression(condition)
	if err != nil {
		return false, fmt.Errorf("条件表达式非法: %w", err)
	}
	result, err := expr.Evaluate(env)
	if err != nil {
		return false, fmt.Errorf("条件求值失败: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("条件表达式必须返回布尔值")
	}
	return ok, nil
}

// HistoryForInstance 查询实例的流转历史，新的在前
func (e *Engine) HistoryForInstance(ctx context.Context, instanceID string) ([]History, error) {
	var items []History
	err := e.db.WithContext(ctx).
		Preload("FromState").
		Preload("ToState").
		Where("instance_id = ?", instanceID).
		Order("performed_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询流转历史失败: %w", err)
	}
	return items, nil
}
