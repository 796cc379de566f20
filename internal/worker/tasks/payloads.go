package tasks

// Task Types
const (
	TypeDeadlineScan = "approval:deadline_scan"
	TypeAuditArchive = "audit:archive"
)

// DeadlineScanPayload 审批截止日期扫描任务载荷
type DeadlineScanPayload struct {
	// 提前提醒窗口（秒），为 0 时使用配置默认值
	WarningWindowSeconds int `json:"warning_window_seconds"`
}

// AuditArchivePayload 审计日志归档任务载荷
type AuditArchivePayload struct{}
