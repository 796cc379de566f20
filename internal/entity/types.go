package entity

import "fmt"

// Type 业务实体类型（封闭枚举，持久化为字符串）
type Type string

const (
	TypeCampaign               Type = "campaign"
	TypeMediaPlan              Type = "media_plan"
	TypeSubcampaign            Type = "subcampaign"
	TypeSubcampaignVersion     Type = "subcampaign_version"
	TypeSubcampaignPaymentType Type = "subcampaign_payment_type"
	TypeProject                Type = "project"
	TypeClient                 Type = "client"
	TypeAdvertiser             Type = "advertiser"
	TypeCostCenter             Type = "cost_center"
	TypeApprovalRequest        Type = "approval_request"
)

// Valid 校验是否为已知实体类型
func (t Type) Valid() bool {
	switch t {
	case TypeCampaign, TypeMediaPlan, TypeSubcampaign, TypeSubcampaignVersion,
		TypeSubcampaignPaymentType, TypeProject, TypeClient, TypeAdvertiser,
		TypeCostCenter, TypeApprovalRequest:
		return true
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Ref 实体引用（类型 + UUID），工作流核心只依赖这一标识
type Ref struct {
	Type Type   `json:"entityType"`
	ID   string `json:"entityId"`
}

// Key 生成 "type:id" 形式的引用键
func (r Ref) Key() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Validate 校验引用完整性
func (r Ref) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("未知的实体类型: %s", r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("实体 ID 不能为空")
	}
	return nil
}
