package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/logger"
	"backend/internal/metrics"
)

// Dispatcher 通知分发服务。
// 工作流事件的通知在调用方事务内同步落库，和业务变更同生共死；
// 查询与已读操作走服务自己的连接。
type Dispatcher struct {
	db *gorm.DB
}

// NewDispatcher 创建通知分发服务
func NewDispatcher(db *gorm.DB) *Dispatcher {
	return &Dispatcher{db: db}
}

func (d *Dispatcher) create(ctx context.Context, tx *gorm.DB, n *Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("通知接收人不能为空")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("未知的通知类型: %s", n.Type)
	}
	n.ID = uuid.New().String()
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("创建通知失败: %w", err)
	}
	metrics.NotificationsCreatedTotal.WithLabelValues(string(n.Type)).Inc()
	return nil
}

// NotifyStateChanged 状态变更通知，发给执行流转的用户
func (d *Dispatcher) NotifyStateChanged(ctx context.Context, tx *gorm.DB, userID, instanceID, fromState, toState string) error {
	if userID == "" {
		return nil
	}
	return d.create(ctx, tx, &Notification{
		UserID:     userID,
		Type:       TypeStateChanged,
		InstanceID: instanceID,
		Title:      fmt.Sprintf("State changed to %s", toState),
		Message:    fmt.Sprintf("The status has been changed from %s to %s.", fromState, toState),
	})
}

// NotifyApprovalRequested 审批请求通知，扇出给全部审批人
func (d *Dispatcher) NotifyApprovalRequested(ctx context.Context, tx *gorm.DB, approverIDs []string, instanceID, requestID, entityType string) error {
	for _, userID := range approverIDs {
		err := d.create(ctx, tx, &Notification{
			UserID:            userID,
			Type:              TypeApprovalRequired,
			InstanceID:        instanceID,
			ApprovalRequestID: requestID,
			Title:             "Approval Required",
			Message:           fmt.Sprintf("Your approval is required for a %s.", entityType),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NotifyApprovalResponded 审批表态通知，发给请求发起人
func (d *Dispatcher) NotifyApprovalResponded(ctx context.Context, tx *gorm.DB, requesterID, instanceID, requestID, responderName string, approved bool) error {
	if requesterID == "" {
		return nil
	}
	typ := TypeApprovalReceived
	action := "approved"
	if !approved {
		typ = TypeRejectionReceived
		action = "rejected"
	}
	return d.create(ctx, tx, &Notification{
		UserID:            requesterID,
		Type:              typ,
		InstanceID:        instanceID,
		ApprovalRequestID: requestID,
		Title:             fmt.Sprintf("Approval %s", action),
		Message:           fmt.Sprintf("%s has %s your request.", responderName, action),
	})
}

// NotifyDeadline 截止日期提醒，typ 只接受 deadline_approaching / deadline_passed
func (d *Dispatcher) NotifyDeadline(ctx context.Context, tx *gorm.DB, typ Type, userIDs []string, instanceID, requestID string, dueDate time.Time) error {
	if typ != TypeDeadlineApproaching && typ != TypeDeadlinePassed {
		return fmt.Errorf("非法的截止日期通知类型: %s", typ)
	}
	title := "Approval deadline approaching"
	message := fmt.Sprintf("An approval request is due at %s.", dueDate.UTC().Format(time.RFC3339))
	if typ == TypeDeadlinePassed {
		title = "Approval deadline passed"
		message = fmt.Sprintf("An approval request was due at %s and has not been resolved.", dueDate.UTC().Format(time.RFC3339))
	}
	for _, userID := range userIDs {
		err := d.create(ctx, tx, &Notification{
			UserID:            userID,
			Type:              typ,
			InstanceID:        instanceID,
			ApprovalRequestID: requestID,
			Title:             title,
			Message:           message,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListForUser 查询用户的通知，新的在前
func (d *Dispatcher) ListForUser(ctx context.Context, userID string, unreadOnly bool, page common.PaginationRequest) ([]Notification, int64, error) {
	query := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计通知失败: %w", err)
	}

	var items []Notification
	if err := query.
		Order("created_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("查询通知失败: %w", err)
	}
	return items, total, nil
}

// UnreadCount 统计未读数
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计未读通知失败: %w", err)
	}
	return count, nil
}

// MarkRead 标记单条通知已读，只有接收人本人可操作
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", notificationID, userID, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if result.Error != nil {
		return fmt.Errorf("标记通知已读失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		logger.WithContext(ctx).Debug("通知已读标记未命中",
			zap.String("notificationId", notificationID),
			zap.String("userId", userID))
	}
	return nil
}

// MarkAllRead 标记用户全部通知已读，返回影响行数
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if result.Error != nil {
		return 0, fmt.Errorf("标记全部已读失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}
