package workflow

import "context"

// Actor 执行工作流操作的主体。鉴权在上游完成，这里只携带授权判定需要的事实。
type Actor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IsSuperuser bool     `json:"isSuperuser"`
	Groups      []string `json:"groups"`
}

// System 返回后台任务使用的系统主体，绕过组权限检查
func System() Actor {
	return Actor{ID: "system", Name: "system", IsSuperuser: true}
}

// InGroups 判断是否属于任一给定组。空列表表示流转不限制组，任何人可执行。
func (a Actor) InGroups(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if a.IsSuperuser {
		return true
	}
	for _, g := range a.Groups {
		for _, want := range allowed {
			if g == want {
				return true
			}
		}
	}
	return false
}

// GroupDirectory 按组名展开成员用户 ID，通知扇出时使用。
// 实现方通常是外部的用户服务适配器。
type GroupDirectory interface {
	UsersInGroups(ctx context.Context, tenantID string, groups []string) ([]string, error)
}
