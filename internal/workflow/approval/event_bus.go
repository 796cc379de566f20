package approval

import (
	"sync"
	"time"

	"backend/internal/workflow"
)

// Event 描述审批请求的状态变化
type Event struct {
	RequestID    string
	InstanceID   string
	TransitionID string
	Status       workflow.ApprovalStatus
	RespondedBy  string
	Comment      string
	OccurredAt   time.Time
}

// EventBusConfig 控制事件总线行为
type EventBusConfig struct {
	BufferSize int
}

// EventBus 简单本地事件总线，按请求 ID 订阅
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	seq    uint64
	buffer int
}

// NewEventBus 创建事件总线
func NewEventBus(cfg *EventBusConfig) *EventBus {
	buffer := 1
	if cfg != nil && cfg.BufferSize > 0 {
		buffer = cfg.BufferSize
	}
	return &EventBus{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
	}
}

// Publish 发布事件
func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.subs[evt.RequestID]
	b.mu.RUnlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
			// 接收方处理慢则丢弃，保持非阻塞
		}
	}
}

// Subscribe 订阅指定审批请求的事件
func (b *EventBus) Subscribe(requestID string) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	if _, ok := b.subs[requestID]; !ok {
		b.subs[requestID] = make(map[uint64]chan Event)
	}
	b.subs[requestID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.removeListener(requestID, id)
	}
	return ch, cancel
}

func (b *EventBus) removeListener(requestID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if listeners, ok := b.subs[requestID]; ok {
		if ch, exists := listeners[id]; exists {
			delete(listeners, id)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(b.subs, requestID)
		}
	}
}
