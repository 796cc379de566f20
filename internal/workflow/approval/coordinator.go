package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/notification"
	"backend/internal/workflow"
)

// Coordinator 审批协调器。
// 管理审批请求的生命周期：发起、表态、阈值落定、取消，以及截止日期提醒。
// 审批达到阈值时在同一事务内自动执行被守卫的流转。
type Coordinator struct {
	db         *gorm.DB
	engine     *workflow.Engine
	dispatcher *notification.Dispatcher
	directory  workflow.GroupDirectory
	eventBus   *EventBus
	logger     *zap.Logger
}

// CoordinatorOption 自定义配置
type CoordinatorOption func(*Coordinator)

// WithGroupDirectory 注入组成员目录，用于通知扇出
func WithGroupDirectory(d workflow.GroupDirectory) CoordinatorOption {
	return func(c *Coordinator) { c.directory = d }
}

// WithEventBus 注入事件总线
func WithEventBus(bus *EventBus) CoordinatorOption {
	return func(c *Coordinator) { c.eventBus = bus }
}

// WithCoordinatorLogger 注入自定义日志器
func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator 创建审批协调器
func NewCoordinator(db *gorm.DB, engine *workflow.Engine, dispatcher *notification.Dispatcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		db:         db,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func pendingKey(instanceID, transitionID string) string {
	return fmt.Sprintf("%s:%s", instanceID, transitionID)
}

// RequestInput 发起审批请求参数
type RequestInput struct {
	InstanceID   string
	TransitionID string
	Requester    workflow.Actor
	Approvers    []string
	Groups       []string
	MinApprovals int
	DueDate      *time.Time
}

// RequestApproval 发起审批请求。
// 幂等：同一流转已有 pending 请求时直接返回既有请求，不新建不改动。
func (c *Coordinator) RequestApproval(ctx context.Context, in *RequestInput) (*workflow.ApprovalRequest, error) {
	trans, err := c.engine.Catalog().TransitionByID(ctx, in.TransitionID)
	if err != nil {
		return nil, err
	}
	if !trans.RequiresApproval {
		return nil, workflow.NewError(workflow.KindApprovalNotRequired, "This transition does not require approval")
	}

	inst, err := c.engine.InstanceByID(ctx, in.InstanceID)
	if err != nil {
		return nil, err
	}

	if existing, err := c.pendingRequest(ctx, in.InstanceID, in.TransitionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	minApprovals := in.MinApprovals
	if minApprovals < 1 {
		minApprovals = 1
	}

	key := pendingKey(in.InstanceID, in.TransitionID)
	req := &workflow.ApprovalRequest{
		ID:                uuid.New().String(),
		InstanceID:        in.InstanceID,
		TransitionID:      in.TransitionID,
		Status:            workflow.ApprovalStatusPending,
		PendingKey:        &key,
		RequestedBy:       in.Requester.ID,
		RequiredApprovers: in.Approvers,
		RequiredGroups:    in.Groups,
		MinApprovals:      minApprovals,
		DueDate:           in.DueDate,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("创建审批请求失败: %w", err)
		}
		recipients, err := c.expandRecipients(ctx, inst.TenantID, req)
		if err != nil {
			return err
		}
		return c.dispatcher.NotifyApprovalRequested(ctx, tx, recipients,
			req.InstanceID, req.ID, string(inst.EntityType))
	})
	if err != nil {
		// 唯一索引冲突说明并发请求已经创建成功，读回既有请求
		if existing, lookupErr := c.pendingRequest(ctx, in.InstanceID, in.TransitionID); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}

	metrics.ApprovalPendingGauge.WithLabelValues(inst.TenantID).Inc()
	c.publish(Event{
		RequestID:    req.ID,
		InstanceID:   req.InstanceID,
		TransitionID: req.TransitionID,
		Status:       workflow.ApprovalStatusPending,
		OccurredAt:   time.Now().UTC(),
	})
	c.logger.Info("创建审批请求",
		zap.String("requestId", req.ID),
		zap.String("instanceId", req.InstanceID),
		zap.Int("minApprovals", minApprovals))
	return req, nil
}

func (c *Coordinator) pendingRequest(ctx context.Context, instanceID, transitionID string) (*workflow.ApprovalRequest, error) {
	var req workflow.ApprovalRequest
	err := c.db.WithContext(ctx).
		Where("pending_key = ?", pendingKey(instanceID, transitionID)).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询待审批请求失败: %w", err)
	}
	return &req, nil
}

// expandRecipients 展开请求的通知接收人：指定审批人加上组成员
func (c *Coordinator) expandRecipients(ctx context.Context, tenantID string, req *workflow.ApprovalRequest) ([]string, error) {
	seen := make(map[string]struct{}, len(req.RequiredApprovers))
	recipients := make([]string, 0, len(req.RequiredApprovers))
	for _, id := range req.RequiredApprovers {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			recipients = append(recipients, id)
		}
	}
	if c.directory != nil && len(req.RequiredGroups) > 0 {
		members, err := c.directory.UsersInGroups(ctx, tenantID, req.RequiredGroups)
		if err != nil {
			return nil, fmt.Errorf("展开审批组成员失败: %w", err)
		}
		for _, id := range members {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				recipients = append(recipients, id)
			}
		}
	}
	return recipients, nil
}

// canRespond 判断 actor 是否在请求的审批人圈内。
// 指定审批人和指定组都为空时任何人可表态。
func canRespond(req *workflow.ApprovalRequest, actor workflow.Actor) bool {
	if actor.IsSuperuser {
		return true
	}
	if len(req.RequiredApprovers) == 0 && len(req.RequiredGroups) == 0 {
		return true
	}
	for _, id := range req.RequiredApprovers {
		if id == actor.ID {
			return true
		}
	}
	for _, g := range actor.Groups {
		for _, want := range req.RequiredGroups {
			if g == want {
				return true
			}
		}
	}
	return false
}

// Respond 提交一次审批表态。
// 每人每请求只能表态一次；单次拒绝立即落定为 rejected；
// 赞成数达到阈值时请求落定为 approved 并自动执行流转，落定与流转同一事务。
// 并发表态依赖 pending 状态的 CAS 更新保证请求恰好落定一次。
func (c *Coordinator) Respond(ctx context.Context, requestID string, actor workflow.Actor, approved bool, comment string) (*workflow.ApprovalResponse, error) {
	var req workflow.ApprovalRequest
	if err := c.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("审批请求不存在")
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	if req.Status != workflow.ApprovalStatusPending {
		return nil, workflow.NewError(workflow.KindNotPending, "审批请求已落定 (%s)", req.Status)
	}
	if !canRespond(&req, actor) {
		return nil, workflow.NewError(workflow.KindUnauthorized, "用户不在审批人范围内")
	}

	inst, err := c.engine.InstanceByID(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}

	response := &workflow.ApprovalResponse{
		ID:                uuid.New().String(),
		ApprovalRequestID: req.ID,
		UserID:            actor.ID,
		IsApproved:        approved,
		Comment:           comment,
	}

	var settled workflow.ApprovalStatus
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&workflow.ApprovalResponse{}).
			Where("approval_request_id = ? AND user_id = ?", req.ID, actor.ID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("检查重复表态失败: %w", err)
		}
		if existing > 0 {
			return workflow.NewError(workflow.KindAlreadyResponded, "该用户已对此请求表态")
		}
		if err := tx.Create(response).Error; err != nil {
			return fmt.Errorf("写入审批表态失败: %w", err)
		}

		if !approved {
			outcome, err := c.settle(ctx, tx, &req, workflow.ApprovalStatusRejected, actor, comment)
			if err != nil {
				return err
			}
			settled = outcome
		} else {
			var approvals int64
			if err := tx.Model(&workflow.ApprovalResponse{}).
				Where("approval_request_id = ? AND is_approved = ?", req.ID, true).
				Count(&approvals).Error; err != nil {
				return fmt.Errorf("统计赞成数失败: %w", err)
			}
			if approvals >= int64(req.MinApprovals) {
				outcome, err := c.settle(ctx, tx, &req, workflow.ApprovalStatusApproved, actor,
					fmt.Sprintf("Auto-approved after %d approvals", approvals))
				if err != nil {
					return err
				}
				settled = outcome
			}
		}

		// 通知请求发起人本次表态结果
		return c.dispatcher.NotifyApprovalResponded(ctx, tx, req.RequestedBy,
			req.InstanceID, req.ID, actor.Name, approved)
	})
	if err != nil {
		return nil, err
	}

	decision := "approved"
	if !approved {
		decision = "rejected"
	}
	metrics.ApprovalDecisionsTotal.WithLabelValues(inst.TenantID, decision).Inc()

	if settled != "" {
		metrics.ApprovalPendingGauge.WithLabelValues(inst.TenantID).Dec()
		c.publish(Event{
			RequestID:    req.ID,
			InstanceID:   req.InstanceID,
			TransitionID: req.TransitionID,
			Status:       settled,
			RespondedBy:  actor.ID,
			Comment:      comment,
			OccurredAt:   time.Now().UTC(),
		})
		c.logger.Info("审批请求落定",
			zap.String("requestId", req.ID),
			zap.String("status", string(settled)),
			zap.String("respondedBy", actor.ID))
	}
	return response, nil
}

// settle 将 pending 请求落定为给定状态。
// CAS 更新只在状态仍为 pending 时生效，输掉竞争的调用报 not_pending。
// 落定为 approved 时在同一事务内执行被守卫的流转。
func (c *Coordinator) settle(ctx context.Context, tx *gorm.DB, req *workflow.ApprovalRequest, status workflow.ApprovalStatus, actor workflow.Actor, comment string) (workflow.ApprovalStatus, error) {
	now := time.Now().UTC()
	result := tx.Model(&workflow.ApprovalRequest{}).
		Where("id = ? AND status = ?", req.ID, workflow.ApprovalStatusPending).
		Updates(map[string]any{
			"status":           status,
			"pending_key":      nil,
			"responded_by":     actor.ID,
			"responded_at":     now,
			"response_comment": comment,
			"updated_at":       now,
		})
	if result.Error != nil {
		return "", fmt.Errorf("落定审批请求失败: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return "", workflow.NewError(workflow.KindNotPending, "审批请求已被并发落定")
	}

	if status == workflow.ApprovalStatusApproved {
		_, err := c.engine.ExecuteTransitionInTx(ctx, tx, &workflow.ExecuteRequest{
			InstanceID:   req.InstanceID,
			TransitionID: req.TransitionID,
			Actor:        actor,
			Comment:      comment,
		})
		if err != nil {
			return "", err
		}
	}
	return status, nil
}

// Cancel 取消 pending 请求，仅发起人或超级用户可操作
func (c *Coordinator) Cancel(ctx context.Context, requestID string, actor workflow.Actor) error {
	var req workflow.ApprovalRequest
	if err := c.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("审批请求不存在")
		}
		return fmt.Errorf("查询审批请求失败: %w", err)
	}
	if req.Status != workflow.ApprovalStatusPending {
		return workflow.NewError(workflow.KindNotPending, "Only pending approval requests can be cancelled")
	}
	if !actor.IsSuperuser && actor.ID != req.RequestedBy {
		return workflow.NewError(workflow.KindUnauthorized, "只有发起人可以取消审批请求")
	}

	now := time.Now().UTC()
	result := c.db.WithContext(ctx).Model(&workflow.ApprovalRequest{}).
		Where("id = ? AND status = ?", req.ID, workflow.ApprovalStatusPending).
		Updates(map[string]any{
			"status":       workflow.ApprovalStatusCancelled,
			"pending_key":  nil,
			"responded_by": actor.ID,
			"responded_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("取消审批请求失败: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return workflow.NewError(workflow.KindNotPending, "审批请求已被并发落定")
	}

	if inst, err := c.engine.InstanceByID(ctx, req.InstanceID); err == nil {
		metrics.ApprovalPendingGauge.WithLabelValues(inst.TenantID).Dec()
		metrics.ApprovalDecisionsTotal.WithLabelValues(inst.TenantID, "cancelled").Inc()
	}
	c.publish(Event{
		RequestID:    req.ID,
		InstanceID:   req.InstanceID,
		TransitionID: req.TransitionID,
		Status:       workflow.ApprovalStatusCancelled,
		RespondedBy:  actor.ID,
		OccurredAt:   now,
	})
	return nil
}

// GetRequest 按 ID 查询审批请求
func (c *Coordinator) GetRequest(ctx context.Context, requestID string) (*workflow.ApprovalRequest, error) {
	var req workflow.ApprovalRequest
	if err := c.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("审批请求不存在")
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &req, nil
}

// Responses 查询请求的全部表态，新的在前
func (c *Coordinator) Responses(ctx context.Context, requestID string) ([]workflow.ApprovalResponse, error) {
	var items []workflow.ApprovalResponse
	err := c.db.WithContext(ctx).
		Where("approval_request_id = ?", requestID).
		Order("responded_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询审批表态失败: %w", err)
	}
	return items, nil
}

// PendingForUser 查询用户的待办审批收件箱。
// 审批人圈存储为 JSON 列表，成员判断在应用层完成，pending 集合通常很小。
func (c *Coordinator) PendingForUser(ctx context.Context, actor workflow.Actor, page common.PaginationRequest) ([]workflow.ApprovalRequest, int64, error) {
	var pending []workflow.ApprovalRequest
	err := c.db.WithContext(ctx).
		Where("status = ?", workflow.ApprovalStatusPending).
		Order("requested_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询待审批请求失败: %w", err)
	}

	mine := make([]workflow.ApprovalRequest, 0, len(pending))
	for _, req := range pending {
		if canRespond(&req, actor) {
			mine = append(mine, req)
		}
	}

	total := int64(len(mine))
	offset := page.GetOffset()
	if offset >= len(mine) {
		return []workflow.ApprovalRequest{}, total, nil
	}
	end := offset + page.GetPageSize()
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end], total, nil
}

func (c *Coordinator) publish(evt Event) {
	if c.eventBus != nil {
		c.eventBus.Publish(evt)
	}
}
