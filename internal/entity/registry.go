package entity

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// StatusCarrier 实体状态能力接口。
// 工作流核心不依赖具体业务模型，只要求实体适配器能读写 status 字段。
// SetStatus 在调用方的事务内执行，保证与状态机变更同生共死。
type StatusCarrier interface {
	Status(ctx context.Context, tx *gorm.DB, entityID string) (string, error)
	SetStatus(ctx context.Context, tx *gorm.DB, entityID string, statusCode string) error
}

// Registry 实体类型到状态适配器的注册表
type Registry struct {
	mu       sync.RWMutex
	carriers map[Type]StatusCarrier
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{carriers: make(map[Type]StatusCarrier)}
}

// Register 注册实体适配器，重复注册以后者为准
func (r *Registry) Register(t Type, carrier StatusCarrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carriers[t] = carrier
}

// Resolve 查找实体适配器。
// 未注册的类型是配置错误，必须显式报错而不是静默跳过。
func (r *Registry) Resolve(t Type) (StatusCarrier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	carrier, ok := r.carriers[t]
	if !ok {
		return nil, fmt.Errorf("实体类型 %s 未注册状态适配器", t)
	}
	return carrier, nil
}

// PushStatus 将新状态码写回实体的 status 字段
func (r *Registry) PushStatus(ctx context.Context, tx *gorm.DB, ref Ref, statusCode string) error {
	carrier, err := r.Resolve(ref.Type)
	if err != nil {
		return err
	}
	if err := carrier.SetStatus(ctx, tx, ref.ID, statusCode); err != nil {
		return fmt.Errorf("更新实体状态失败 (%s): %w", ref.Key(), err)
	}
	return nil
}
