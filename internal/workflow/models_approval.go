package workflow

import "time"

// ApprovalStatus 审批请求状态枚举
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ApprovalRequest 审批请求。
// 同一 (instance, transition) 最多一个 pending 请求，状态落定后不再变化。
type ApprovalRequest struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	InstanceID   string `json:"instanceId" gorm:"type:uuid;not null;index"`
	TransitionID string `json:"transitionId" gorm:"type:uuid;not null;index"`

	Status ApprovalStatus `json:"status" gorm:"size:20;not null;default:pending;index"`

	// 请求 pending 时为 "instance_id:transition_id"，落定后置 NULL，
	// 唯一索引由此保证同一流转最多一个待审批请求
	PendingKey *string `json:"-" gorm:"size:80;uniqueIndex:idx_approval_pending_key"`

	RequestedBy string    `json:"requestedBy,omitempty" gorm:"type:uuid;index"`
	RequestedAt time.Time `json:"requestedAt" gorm:"not null;autoCreateTime"`

	// 审批人圈定：指定用户或指定组，二者可并存
	RequiredApprovers []string `json:"requiredApprovers,omitempty" gorm:"type:jsonb;serializer:json"`
	RequiredGroups    []string `json:"requiredGroups,omitempty" gorm:"type:jsonb;serializer:json"`
	MinApprovals      int      `json:"minApprovals" gorm:"not null;default:1"`

	// 落定信息
	RespondedBy     string     `json:"respondedBy,omitempty" gorm:"type:uuid"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	ResponseComment string     `json:"responseComment,omitempty" gorm:"type:text"`

	// 截止日期与提醒去重标记
	DueDate        *time.Time `json:"dueDate,omitempty" gorm:"index"`
	DeadlineWarned bool       `json:"deadlineWarned" gorm:"default:false"`
	DeadlineNoted  bool       `json:"deadlineNoted" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (ApprovalRequest) TableName() string {
	return "workflow_approval_requests"
}

// ApprovalResponse 单个审批人的表态，每人每请求最多一条
type ApprovalResponse struct {
	ID string `json:"id" gorm:"primaryKey;type:uuid"`

	ApprovalRequestID string `json:"approvalRequestId" gorm:"type:uuid;not null;uniqueIndex:idx_approval_resp_user,priority:1"`
	UserID            string `json:"userId" gorm:"type:uuid;not null;uniqueIndex:idx_approval_resp_user,priority:2"`

	IsApproved  bool      `json:"isApproved" gorm:"not null"`
	Comment     string    `json:"comment,omitempty" gorm:"type:text"`
	RespondedAt time.Time `json:"respondedAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (ApprovalResponse) TableName() string {
	return "workflow_approval_responses"
}
