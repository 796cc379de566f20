package notification

import "time"

// Type 通知类型枚举
type Type string

const (
	TypeStateChanged        Type = "state_changed"
	TypeApprovalRequired    Type = "approval_required"
	TypeApprovalReceived    Type = "approval_received"
	TypeRejectionReceived   Type = "rejection_received"
	TypeDeadlineApproaching Type = "deadline_approaching"
	TypeDeadlinePassed      Type = "deadline_passed"
)

// Valid 校验是否为已知通知类型
func (t Type) Valid() bool {
	switch t {
	case TypeStateChanged, TypeApprovalRequired, TypeApprovalReceived,
		TypeRejectionReceived, TypeDeadlineApproaching, TypeDeadlinePassed:
		return true
	}
	return false
}

// Notification 工作流事件通知记录。
// 本系统只负责落库，实际投递（邮件、站内推送）由外部消费方完成。
type Notification struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	UserID string `json:"userId" gorm:"type:uuid;not null;index:idx_notif_user_read,priority:1"`

	Type Type `json:"type" gorm:"size:30;not null;index"`

	// 关联对象（可空）
	InstanceID        string `json:"instanceId,omitempty" gorm:"type:uuid;index"`
	ApprovalRequestID string `json:"approvalRequestId,omitempty" gorm:"type:uuid;index"`

	// 内容
	Title   string `json:"title" gorm:"size:255;not null"`
	Message string `json:"message" gorm:"type:text;not null"`
	Link    string `json:"link,omitempty" gorm:"size:500"`

	// 已读状态
	IsRead bool       `json:"isRead" gorm:"default:false;index:idx_notif_user_read,priority:2"`
	ReadAt *time.Time `json:"readAt,omitempty"`

	// 投递跟踪
	EmailSent   bool       `json:"emailSent" gorm:"default:false"`
	EmailSentAt *time.Time `json:"emailSentAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime;index"`
}

// TableName 指定表名
func (Notification) TableName() string {
	return "workflow_notifications"
}
