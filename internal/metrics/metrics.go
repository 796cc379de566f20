package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 工作流状态机指标
var (
	// WorkflowTransitionsTotal 状态流转总数
	WorkflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_workflow_transitions_total",
			Help: "工作流状态流转总数",
		},
		[]string{"tenant_id", "entity_type", "to_state"},
	)

	// WorkflowInstancesActive 活跃工作流实例数量
	WorkflowInstancesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eos_workflow_instances_active",
			Help: "活跃工作流实例数量",
		},
		[]string{"tenant_id", "entity_type"},
	)

	// WorkflowErrorsTotal 流转校验失败总数
	WorkflowErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_workflow_errors_total",
			Help: "工作流操作失败总数（按错误类型）",
		},
		[]string{"kind"},
	)
)

// 审批指标
var (
	// ApprovalPendingGauge 待审批请求数量
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eos_approval_pending",
			Help: "待审批请求数量",
		},
		[]string{"tenant_id"},
	)

	// ApprovalDecisionsTotal 审批决策总数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_approval_decisions_total",
			Help: "审批决策总数（approved/rejected/cancelled）",
		},
		[]string{"tenant_id", "status"},
	)
)

// 通知与审计指标
var (
	// NotificationsCreatedTotal 通知记录创建总数
	NotificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_notifications_created_total",
			Help: "通知记录创建总数（按类型）",
		},
		[]string{"type"},
	)

	// AuditEntriesTotal 审计日志写入总数
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_audit_entries_total",
			Help: "审计日志写入总数（按动作）",
		},
		[]string{"action"},
	)

	// BudgetChangesTotal 预算变更日志写入总数
	BudgetChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eos_budget_changes_total",
			Help: "预算变更日志写入总数",
		},
		[]string{"entity_type", "manual_override"},
	)

	// AuditArchivedTotal 审计日志归档总数
	AuditArchivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eos_audit_archived_total",
			Help: "已归档审计日志行数",
		},
	)
)
