package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/entity"
	"backend/internal/logger"
)

// Catalog 工作流定义目录服务。
// 负责定义/状态/流转的维护和查询，并维护 "每租户每实体类型一个默认定义" 的约束。
type Catalog struct {
	db       *gorm.DB
	cache    redis.UniversalClient
	cacheTTL time.Duration
}

// CatalogOption 自定义配置
type CatalogOption func(*Catalog)

// WithDefinitionCache 启用默认定义的 redis 读穿缓存
func WithDefinitionCache(client redis.UniversalClient, ttl time.Duration) CatalogOption {
	return func(c *Catalog) {
		c.cache = client
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// NewCatalog 创建目录服务
func NewCatalog(db *gorm.DB, opts ...CatalogOption) *Catalog {
	c := &Catalog{db: db, cacheTTL: 5 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateDefinitionRequest 创建工作流定义请求
type CreateDefinitionRequest struct {
	TenantID    string
	Name        string
	Code        string
	Description string
	EntityType  entity.Type
	IsDefault   bool
	CreatedBy   string
}

// CreateDefinition 创建工作流定义。
// IsDefault=true 时在同一事务内取消同租户同实体类型的旧默认。
func (c *Catalog) CreateDefinition(ctx context.Context, req *CreateDefinitionRequest) (*Definition, error) {
	if req.Name == "" || req.Code == "" {
		return nil, fmt.Errorf("工作流名称和编码不能为空")
	}
	if !req.EntityType.Valid() {
		return nil, fmt.Errorf("未知的实体类型: %s", req.EntityType)
	}

	def := &Definition{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
		EntityType:  req.EntityType,
		IsActive:    true,
		IsDefault:   req.IsDefault,
		CreatedBy:   req.CreatedBy,
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.IsDefault {
			if err := demoteDefault(tx, req.TenantID, req.EntityType); err != nil {
				return err
			}
		}
		if err := tx.Create(def).Error; err != nil {
			return fmt.Errorf("创建工作流定义失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.invalidateDefault(ctx, req.TenantID, req.EntityType)
	return def, nil
}

// SetDefault 将指定定义设为默认，旧默认同事务内取消
func (c *Catalog) SetDefault(ctx context.Context, tenantID, definitionID string) error {
	var def Definition
	if err := c.db.WithContext(ctx).
		Scopes(common.ByTenant(tenantID)).
		First(&def, "id = ?", definitionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("工作流定义不存在")
		}
		return fmt.Errorf("查询工作流定义失败: %w", err)
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := demoteDefault(tx, def.TenantID, def.EntityType); err != nil {
			return err
		}
		return tx.Model(&Definition{}).
			Where("id = ?", def.ID).
			Update("is_default", true).Error
	})
	if err != nil {
		return fmt.Errorf("设置默认工作流失败: %w", err)
	}

	c.invalidateDefault(ctx, def.TenantID, def.EntityType)
	return nil
}

func demoteDefault(tx *gorm.DB, tenantID string, entityType entity.Type) error {
	return tx.Model(&Definition{}).
		Where("tenant_id = ? AND entity_type = ? AND is_default = ?", tenantID, entityType, true).
		Update("is_default", false).Error
}

// DefaultDefinition 查找租户下某实体类型的默认激活定义。
// 命中缓存时不回源数据库；缓存层故障只记日志，降级为直查。
func (c *Catalog) DefaultDefinition(ctx context.Context, tenantID string, entityType entity.Type) (*Definition, error) {
	cacheKey := fmt.Sprintf("workflow:default:%s:%s", tenantID, entityType)

	if c.cache != nil {
		raw, err := c.cache.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var def Definition
			if jsonErr := json.Unmarshal(raw, &def); jsonErr == nil {
				return &def, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logger.WithContext(ctx).Warn("读取默认工作流缓存失败", zap.Error(err))
		}
	}

	var def Definition
	err := c.db.WithContext(ctx).
		Scopes(common.ByTenant(tenantID), common.ActiveOnly()).
		Where("entity_type = ? AND is_default = ?", entityType, true).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(KindNoDefaultWorkflow, "实体类型 %s 没有默认工作流", entityType)
		}
		return nil, fmt.Errorf("查询默认工作流失败: %w", err)
	}

	if c.cache != nil {
		if raw, jsonErr := json.Marshal(&def); jsonErr == nil {
			if err := c.cache.Set(ctx, cacheKey, raw, c.cacheTTL).Err(); err != nil {
				logger.WithContext(ctx).Warn("写入默认工作流缓存失败", zap.Error(err))
			}
		}
	}
	return &def, nil
}

func (c *Catalog) invalidateDefault(ctx context.Context, tenantID string, entityType entity.Type) {
	if c.cache == nil {
		return
	}
	key := fmt.Sprintf("workflow:default:%s:%s", tenantID, entityType)
	if err := c.cache.Del(ctx, key).Err(); err != nil {
		logger.WithContext(ctx).Warn("失效默认工作流缓存失败", zap.String("key", key), zap.Error(err))
	}
}

// GetDefinition 按 ID 查询定义（含状态和流转）
func (c *Catalog) GetDefinition(ctx context.Context, tenantID, definitionID string) (*Definition, error) {
	var def Definition
	err := c.db.WithContext(ctx).
		Scopes(common.ByTenant(tenantID)).
		Preload("States").
		Preload("Transitions").
		First(&def, "id = ?", definitionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("工作流定义不存在")
		}
		return nil, fmt.Errorf("查询工作流定义失败: %w", err)
	}
	return &def, nil
}

// ListDefinitions 查询租户下的定义列表
func (c *Catalog) ListDefinitions(ctx context.Context, tenantID string, entityType entity.Type, page common.PaginationRequest) ([]Definition, int64, error) {
	query := c.db.WithContext(ctx).Model(&Definition{}).
		Scopes(common.ByTenant(tenantID))
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计工作流定义失败: %w", err)
	}

	var defs []Definition
	if err := query.
		Order("entity_type ASC, name ASC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&defs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询工作流定义失败: %w", err)
	}
	return defs, total, nil
}

// AddStateRequest 添加状态请求
type AddStateRequest struct {
	DefinitionID     string
	Name             string
	Code             string
	Description      string
	StateType        StateType
	Color            string
	Icon             string
	DisplayOrder     int
	IsEditable       bool
	RequiresApproval bool
}

// AddState 向定义追加状态。
// 每个定义只允许一个 initial 状态，重复添加直接报错。
func (c *Catalog) AddState(ctx context.Context, req *AddStateRequest) (*State, error) {
	if req.Name == "" || req.Code == "" {
		return nil, fmt.Errorf("状态名称和编码不能为空")
	}
	stateType := req.StateType
	if stateType == "" {
		stateType = StateTypeIntermediate
	}

	state := &State{
		ID:               uuid.New().String(),
		DefinitionID:     req.DefinitionID,
		Name:             req.Name,
		Code:             req.Code,
		Description:      req.Description,
		StateType:        stateType,
		Color:            req.Color,
		Icon:             req.Icon,
		DisplayOrder:     req.DisplayOrder,
		IsEditable:       req.IsEditable,
		RequiresApproval: req.RequiresApproval,
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if stateType == StateTypeInitial {
			var count int64
			if err := tx.Model(&State{}).
				Where("definition_id = ? AND state_type = ?", req.DefinitionID, StateTypeInitial).
				Count(&count).Error; err != nil {
				return fmt.Errorf("检查初始状态失败: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("工作流已存在初始状态")
			}
		}
		if err := tx.Create(state).Error; err != nil {
			return fmt.Errorf("创建状态失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// AddTransitionRequest 添加流转请求
type AddTransitionRequest struct {
	DefinitionID     string
	Name             string
	Code             string
	FromStateID      string
	ToStateID        string
	AllowedGroups    []string
	RequiresComment  bool
	RequiresApproval bool
	AutoExecute      bool
	Condition        string
	NotifyUsers      bool
}

// AddTransition 向定义追加流转边，两端状态必须属于同一定义
func (c *Catalog) AddTransition(ctx context.Context, req *AddTransitionRequest) (*Transition, error) {
	if req.FromStateID == req.ToStateID {
		return nil, fmt.Errorf("流转起止状态不能相同")
	}

	var count int64
	if err := c.db.WithContext(ctx).Model(&State{}).
		Where("definition_id = ? AND id IN ?", req.DefinitionID, []string{req.FromStateID, req.ToStateID}).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("检查流转状态失败: %w", err)
	}
	if count != 2 {
		return nil, fmt.Errorf("流转两端状态必须属于同一工作流定义")
	}

	trans := &Transition{
		ID:               uuid.New().String(),
		DefinitionID:     req.DefinitionID,
		Name:             req.Name,
		Code:             req.Code,
		FromStateID:      req.FromStateID,
		ToStateID:        req.ToStateID,
		AllowedGroups:    req.AllowedGroups,
		RequiresComment:  req.RequiresComment,
		RequiresApproval: req.RequiresApproval,
		AutoExecute:      req.AutoExecute,
		Condition:        req.Condition,
		NotifyUsers:      req.NotifyUsers,
	}
	if err := c.db.WithContext(ctx).Create(trans).Error; err != nil {
		return nil, fmt.Errorf("创建流转失败: %w", err)
	}
	return trans, nil
}

// InitialState 查找定义的唯一初始状态。
// 没有或多于一个都是配置错误。
func (c *Catalog) InitialState(ctx context.Context, definitionID string) (*State, error) {
	var states []State
	err := c.db.WithContext(ctx).
		Where("definition_id = ? AND state_type = ?", definitionID, StateTypeInitial).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("查询初始状态失败: %w", err)
	}
	if len(states) != 1 {
		return nil, NewError(KindNoInitialState, "工作流定义缺少唯一初始状态 (找到 %d 个)", len(states))
	}
	return &states[0], nil
}

// StateByID 按 ID 查询状态
func (c *Catalog) StateByID(ctx context.Context, stateID string) (*State, error) {
	var state State
	if err := c.db.WithContext(ctx).First(&state, "id = ?", stateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("状态不存在")
		}
		return nil, fmt.Errorf("查询状态失败: %w", err)
	}
	return &state, nil
}

// TransitionByID 按 ID 查询流转（含两端状态）
func (c *Catalog) TransitionByID(ctx context.Context, transitionID string) (*Transition, error) {
	var trans Transition
	err := c.db.WithContext(ctx).
		Preload("FromState").
		Preload("ToState").
		First(&trans, "id = ?", transitionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("流转不存在")
		}
		return nil, fmt.Errorf("查询流转失败: %w", err)
	}
	return &trans, nil
}

// TransitionsFrom 查询某状态出发的全部流转。
// actor 非空时按组权限过滤，超级用户不过滤。
func (c *Catalog) TransitionsFrom(ctx context.Context, definitionID, fromStateID string, actor *Actor) ([]Transition, error) {
	var transitions []Transition
	err := c.db.WithContext(ctx).
		Preload("FromState").
		Preload("ToState").
		Where("definition_id = ? AND from_state_id = ?", definitionID, fromStateID).
		Order("created_at ASC").
		Find(&transitions).Error
	if err != nil {
		return nil, fmt.Errorf("查询可用流转失败: %w", err)
	}
	if actor == nil || actor.IsSuperuser {
		return transitions, nil
	}

	allowed := transitions[:0]
	for _, t := range transitions {
		if actor.InGroups(t.AllowedGroups) {
			allowed = append(allowed, t)
		}
	}
	return allowed, nil
}
