package workflow

import (
	"errors"
	"fmt"
)

// Kind 工作流错误类别，指标和调用方分支判断都依赖该枚举
type Kind string

const (
	KindNoDefaultWorkflow   Kind = "no_default_workflow"
	KindNoInitialState      Kind = "no_initial_state"
	KindInvalidTransition   Kind = "invalid_transition"
	KindUnauthorized        Kind = "unauthorized"
	KindApprovalPending     Kind = "approval_pending"
	KindInstanceCompleted   Kind = "instance_completed"
	KindNotPending          Kind = "not_pending"
	KindAlreadyResponded    Kind = "already_responded"
	KindApprovalNotRequired Kind = "transition_does_not_require_approval"
	KindCommentRequired     Kind = "comment_required"
	KindTransactionFailed   Kind = "transaction_failed"
)

// Error 带类别的工作流错误
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持 errors.Is 按类别匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError 创建工作流错误
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError 创建带底层原因的工作流错误
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf 提取错误类别，非工作流错误返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
