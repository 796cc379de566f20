package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/notification"
	"backend/internal/workflow"
)

// DeadlineScanResult 一轮截止日期扫描的结果
type DeadlineScanResult struct {
	Warned int `json:"warned"`
	Passed int `json:"passed"`
}

// ScanDeadlines 扫描 pending 请求的截止日期。
// 进入提醒窗口的请求发 deadline_approaching，已过期的发 deadline_passed，
// 每个请求每种提醒只发一次（warned/noted 标记 CAS 置位去重）。
func (c *Coordinator) ScanDeadlines(ctx context.Context, warningWindow time.Duration) (*DeadlineScanResult, error) {
	now := time.Now().UTC()
	result := &DeadlineScanResult{}

	// 已过截止日期
	var overdue []workflow.ApprovalRequest
	err := c.db.WithContext(ctx).
		Where("status = ? AND due_date IS NOT NULL AND due_date < ? AND deadline_noted = ?",
			workflow.ApprovalStatusPending, now, false).
		Find(&overdue).Error
	if err != nil {
		return nil, fmt.Errorf("查询过期审批请求失败: %w", err)
	}
	for i := range overdue {
		ok, err := c.sendDeadlineNotice(ctx, &overdue[i], notification.TypeDeadlinePassed)
		if err != nil {
			c.logger.Warn("发送截止日期过期提醒失败",
				zap.String("requestId", overdue[i].ID), zap.Error(err))
			continue
		}
		if ok {
			result.Passed++
		}
	}

	// 进入提醒窗口但尚未过期
	horizon := now.Add(warningWindow)
	var approaching []workflow.ApprovalRequest
	err = c.db.WithContext(ctx).
		Where("status = ? AND due_date IS NOT NULL AND due_date >= ? AND due_date < ? AND deadline_warned = ?",
			workflow.ApprovalStatusPending, now, horizon, false).
		Find(&approaching).Error
	if err != nil {
		return nil, fmt.Errorf("查询临近截止审批请求失败: %w", err)
	}
	for i := range approaching {
		ok, err := c.sendDeadlineNotice(ctx, &approaching[i], notification.TypeDeadlineApproaching)
		if err != nil {
			c.logger.Warn("发送截止日期临近提醒失败",
				zap.String("requestId", approaching[i].ID), zap.Error(err))
			continue
		}
		if ok {
			result.Warned++
		}
	}

	return result, nil
}

// sendDeadlineNotice 给单个请求发截止日期提醒。
// 去重标记的 CAS 置位和通知落库同一事务，多个扫描进程并发时恰好发一次。
func (c *Coordinator) sendDeadlineNotice(ctx context.Context, req *workflow.ApprovalRequest, typ notification.Type) (bool, error) {
	flag := "deadline_warned"
	if typ == notification.TypeDeadlinePassed {
		flag = "deadline_noted"
	}

	inst, err := c.engine.InstanceByID(ctx, req.InstanceID)
	if err != nil {
		return false, err
	}
	recipients, err := c.expandRecipients(ctx, inst.TenantID, req)
	if err != nil {
		return false, err
	}
	if req.RequestedBy != "" {
		recipients = append(recipients, req.RequestedBy)
	}
	if len(recipients) == 0 || req.DueDate == nil {
		return false, nil
	}

	sent := false
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&workflow.ApprovalRequest{}).
			Where(fmt.Sprintf("id = ? AND %s = ?", flag), req.ID, false).
			Update(flag, true)
		if result.Error != nil {
			return fmt.Errorf("置位截止提醒标记失败: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			// 其他扫描进程已经处理过
			return nil
		}
		sent = true
		return c.dispatcher.NotifyDeadline(ctx, tx, typ, recipients,
			req.InstanceID, req.ID, *req.DueDate)
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}
