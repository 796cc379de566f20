package approval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backend/internal/audit"
	"backend/internal/common"
	"backend/internal/entity"
	"backend/internal/notification"
	"backend/internal/workflow"
)

// testPlan 测试用业务实体
type testPlan struct {
	ID     string `gorm:"primaryKey;type:uuid"`
	Status string `gorm:"size:50"`
}

func (testPlan) TableName() string {
	return "media_plans"
}

type planCarrier struct{}

func (planCarrier) Status(ctx context.Context, tx *gorm.DB, entityID string) (string, error) {
	var row testPlan
	if err := tx.WithContext(ctx).First(&row, "id = ?", entityID).Error; err != nil {
		return "", err
	}
	return row.Status, nil
}

func (planCarrier) SetStatus(ctx context.Context, tx *gorm.DB, entityID string, statusCode string) error {
	return tx.WithContext(ctx).Model(&testPlan{}).
		Where("id = ?", entityID).
		Update("status", statusCode).Error
}

// staticDirectory 测试用组成员目录
type staticDirectory struct {
	members map[string][]string
}

func (d *staticDirectory) UsersInGroups(ctx context.Context, tenantID string, groups []string) ([]string, error) {
	var out []string
	for _, g := range groups {
		out = append(out, d.members[g]...)
	}
	return out, nil
}

type testEnv struct {
	db          *gorm.DB
	engine      *workflow.Engine
	coordinator *Coordinator
	bus         *EventBus
	tenantID    string

	instanceID string
	approveID  string // pending_approval -> approved 的受审批守卫流转
	finalID    string
	pendingID  string
	ref        entity.Ref
}

// newTestEnv 搭好一条已走到 pending_approval 且下一步需要审批的实例
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:approval_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&workflow.Definition{}, &workflow.State{}, &workflow.Transition{},
		&workflow.Instance{}, &workflow.History{},
		&workflow.ApprovalRequest{}, &workflow.ApprovalResponse{},
		&audit.Log{}, &notification.Notification{},
		&testPlan{},
	))

	registry := entity.NewRegistry()
	registry.Register(entity.TypeMediaPlan, planCarrier{})

	catalog := workflow.NewCatalog(db)
	dispatcher := notification.NewDispatcher(db)
	engine := workflow.NewEngine(db, catalog, registry, audit.NewTrail(db), dispatcher)
	bus := NewEventBus(&EventBusConfig{BufferSize: 4})
	directory := &staticDirectory{members: map[string][]string{
		"finance": {"fin-user-1", "fin-user-2"},
	}}
	coordinator := NewCoordinator(db, engine, dispatcher,
		WithEventBus(bus), WithGroupDirectory(directory))

	env := &testEnv{
		db: db, engine: engine, coordinator: coordinator, bus: bus,
		tenantID: uuid.New().String(),
	}

	ctx := context.Background()
	def, err := catalog.CreateDefinition(ctx, &workflow.CreateDefinitionRequest{
		TenantID:   env.tenantID,
		Name:       "Plan Approval", Code: "plan_approval",
		EntityType: entity.TypeMediaPlan,
		IsDefault:  true,
	})
	require.NoError(t, err)

	draft, err := catalog.AddState(ctx, &workflow.AddStateRequest{
		DefinitionID: def.ID, Name: "Draft", Code: "draft", StateType: workflow.StateTypeInitial,
	})
	require.NoError(t, err)
	pending, err := catalog.AddState(ctx, &workflow.AddStateRequest{
		DefinitionID: def.ID, Name: "Pending Approval", Code: "pending_approval",
		StateType: workflow.StateTypeIntermediate,
	})
	require.NoError(t, err)
	approved, err := catalog.AddState(ctx, &workflow.AddStateRequest{
		DefinitionID: def.ID, Name: "Approved", Code: "approved", StateType: workflow.StateTypeFinal,
	})
	require.NoError(t, err)
	env.finalID = approved.ID
	env.pendingID = pending.ID

	submit, err := catalog.AddTransition(ctx, &workflow.AddTransitionRequest{
		DefinitionID: def.ID, Name: "Submit", Code: "submit",
		FromStateID: draft.ID, ToStateID: pending.ID,
	})
	require.NoError(t, err)
	approve, err := catalog.AddTransition(ctx, &workflow.AddTransitionRequest{
		DefinitionID: def.ID, Name: "Approve", Code: "approve",
		FromStateID: pending.ID, ToStateID: approved.ID,
		RequiresApproval: true,
		NotifyUsers:      true,
	})
	require.NoError(t, err)
	env.approveID = approve.ID

	planID := uuid.New().String()
	require.NoError(t, db.Create(&testPlan{ID: planID, Status: "draft"}).Error)
	env.ref = entity.Ref{Type: entity.TypeMediaPlan, ID: planID}

	inst, err := engine.GetOrCreateInstance(ctx, env.tenantID, env.ref, "")
	require.NoError(t, err)
	env.instanceID = inst.ID

	_, err = engine.ExecuteTransition(ctx, &workflow.ExecuteRequest{
		InstanceID: inst.ID, TransitionID: submit.ID,
		Actor: workflow.Actor{ID: uuid.New().String(), Name: "requester"},
	})
	require.NoError(t, err)
	return env
}

func requester() workflow.Actor {
	return workflow.Actor{ID: uuid.New().String(), Name: "requester"}
}

func approver(id string) workflow.Actor {
	return workflow.Actor{ID: id, Name: "approver-" + id}
}

func (env *testEnv) newRequest(t *testing.T, approvers []string, minApprovals int) *workflow.ApprovalRequest {
	t.Helper()
	req, err := env.coordinator.RequestApproval(context.Background(), &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: env.approveID,
		Requester:    requester(),
		Approvers:    approvers,
		MinApprovals: minApprovals,
	})
	require.NoError(t, err)
	return req
}

func TestRequestApprovalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.newRequest(t, []string{"user-a", "user-b"}, 2)
	second := env.newRequest(t, []string{"user-c"}, 1)

	// 已有 pending 请求时返回原请求，参数不被覆盖
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.MinApprovals)

	var count int64
	require.NoError(t, env.db.Model(&workflow.ApprovalRequest{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRequestApprovalOnPlainTransition(t *testing.T) {
	env := newTestEnv(t)

	// 造一条不需要审批的流转
	trans, err := env.engine.Catalog().AddTransition(context.Background(), &workflow.AddTransitionRequest{
		DefinitionID: mustDefinitionID(t, env), Name: "Skip", Code: "skip",
		FromStateID: env.pendingID, ToStateID: env.finalID,
	})
	require.NoError(t, err)

	_, err = env.coordinator.RequestApproval(context.Background(), &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: trans.ID,
		Requester:    requester(),
	})
	require.Error(t, err)
	require.Equal(t, workflow.KindApprovalNotRequired, workflow.KindOf(err))
}

func mustDefinitionID(t *testing.T, env *testEnv) string {
	t.Helper()
	inst, err := env.engine.InstanceByID(context.Background(), env.instanceID)
	require.NoError(t, err)
	return inst.DefinitionID
}

func TestRequestApprovalNotifiesApproversAndGroups(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.coordinator.RequestApproval(context.Background(), &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: env.approveID,
		Requester:    requester(),
		Approvers:    []string{"user-a"},
		Groups:       []string{"finance"},
	})
	require.NoError(t, err)

	var notifs []notification.Notification
	require.NoError(t, env.db.
		Where("approval_request_id = ? AND type = ?", req.ID, notification.TypeApprovalRequired).
		Find(&notifs).Error)

	recipients := make(map[string]bool, len(notifs))
	for _, n := range notifs {
		recipients[n.UserID] = true
	}
	require.Len(t, recipients, 3)
	require.True(t, recipients["user-a"])
	require.True(t, recipients["fin-user-1"])
	require.True(t, recipients["fin-user-2"])
}

func TestThresholdApprovalExecutesTransition(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, []string{"user-a", "user-b", "user-c"}, 2)
	ctx := context.Background()

	events, cancel := env.bus.Subscribe(req.ID)
	defer cancel()

	_, err := env.coordinator.Respond(ctx, req.ID, approver("user-a"), true, "lgtm")
	require.NoError(t, err)

	// 一票未达阈值
	current, err := env.coordinator.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ApprovalStatusPending, current.Status)

	_, err = env.coordinator.Respond(ctx, req.ID, approver("user-b"), true, "ok")
	require.NoError(t, err)

	settled, err := env.coordinator.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ApprovalStatusApproved, settled.Status)
	require.Nil(t, settled.PendingKey)

	// 流转自动执行，实例进入终态
	inst, err := env.engine.InstanceByID(ctx, env.instanceID)
	require.NoError(t, err)
	require.Equal(t, env.finalID, inst.CurrentStateID)
	require.False(t, inst.IsActive)

	// 历史备注记录审批来源
	history, err := env.engine.HistoryForInstance(ctx, env.instanceID)
	require.NoError(t, err)
	require.Equal(t, "Auto-approved after 2 approvals", history[0].Comment)

	// 事件总线收到落定事件
	var got Event
	select {
	case evt := <-events:
		got = evt
		if got.Status == workflow.ApprovalStatusPending {
			got = <-events
		}
	case <-time.After(time.Second):
		t.Fatal("expected settlement event")
	}
	require.Equal(t, workflow.ApprovalStatusApproved, got.Status)
}

func TestSingleRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, []string{"user-a", "user-b", "user-c"}, 2)
	ctx := context.Background()

	_, err := env.coordinator.Respond(ctx, req.ID, approver("user-a"), false, "budget too high")
	require.NoError(t, err)

	settled, err := env.coordinator.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ApprovalStatusRejected, settled.Status)

	// 落定后继续表态报 not_pending，赞成也救不回来
	_, err = env.coordinator.Respond(ctx, req.ID, approver("user-b"), true, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindNotPending, workflow.KindOf(err))

	// 实例停在原地
	inst, err := env.engine.InstanceByID(ctx, env.instanceID)
	require.NoError(t, err)
	require.Equal(t, env.pendingID, inst.CurrentStateID)

	// 发起人收到拒绝通知
	var notif notification.Notification
	require.NoError(t, env.db.
		Where("approval_request_id = ? AND type = ?", req.ID, notification.TypeRejectionReceived).
		First(&notif).Error)
}

func TestDoubleVoteRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, []string{"user-a", "user-b"}, 2)
	ctx := context.Background()

	_, err := env.coordinator.Respond(ctx, req.ID, approver("user-a"), true, "")
	require.NoError(t, err)

	_, err = env.coordinator.Respond(ctx, req.ID, approver("user-a"), true, "again")
	require.Error(t, err)
	require.Equal(t, workflow.KindAlreadyResponded, workflow.KindOf(err))

	var count int64
	require.NoError(t, env.db.Model(&workflow.ApprovalResponse{}).
		Where("approval_request_id = ?", req.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRespondOutsideApproverCircle(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, []string{"user-a"}, 1)

	_, err := env.coordinator.Respond(context.Background(), req.ID, approver("stranger"), true, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindUnauthorized, workflow.KindOf(err))

	// 超级用户可以表态
	super := workflow.Actor{ID: "admin-1", Name: "admin", IsSuperuser: true}
	_, err = env.coordinator.Respond(context.Background(), req.ID, super, true, "")
	require.NoError(t, err)
}

func TestConcurrentSettlementHappensOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, []string{"user-a", "user-b"}, 1)
	ctx := context.Background()

	_, err := env.coordinator.Respond(ctx, req.ID, approver("user-a"), true, "")
	require.NoError(t, err)

	// 输掉 CAS 竞争的表态不会二次执行流转
	_, err = env.coordinator.Respond(ctx, req.ID, approver("user-b"), true, "")
	require.Error(t, err)
	require.Equal(t, workflow.KindNotPending, workflow.KindOf(err))

	history, err := env.engine.HistoryForInstance(ctx, env.instanceID)
	require.NoError(t, err)

	// submit 一次加审批落定一次，不能更多
	require.Len(t, history, 2)
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t)
	rq := requester()
	req, err := env.coordinator.RequestApproval(context.Background(), &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: env.approveID,
		Requester:    rq,
		Approvers:    []string{"user-a"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	// 非发起人不能取消
	err = env.coordinator.Cancel(ctx, req.ID, approver("user-a"))
	require.Error(t, err)
	require.Equal(t, workflow.KindUnauthorized, workflow.KindOf(err))

	require.NoError(t, env.coordinator.Cancel(ctx, req.ID, rq))

	settled, err := env.coordinator.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ApprovalStatusCancelled, settled.Status)

	// 取消后可以重新发起
	fresh := env.newRequest(t, []string{"user-b"}, 1)
	require.NotEqual(t, req.ID, fresh.ID)
}

func TestPendingInboxFiltersByActor(t *testing.T) {
	env := newTestEnv(t)
	env.newRequest(t, []string{"user-a"}, 1)

	page := common.PaginationRequest{Page: 1, PageSize: 10}

	mine, total, err := env.coordinator.PendingForUser(context.Background(), approver("user-a"), page)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, mine, 1)

	none, total, err := env.coordinator.PendingForUser(context.Background(), approver("stranger"), page)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, none)

	// 先取消旧请求，换一个圈定组的请求
	existing, _, err := env.coordinator.PendingForUser(context.Background(), approver("user-a"), page)
	require.NoError(t, err)
	super := workflow.Actor{ID: "admin-1", Name: "admin", IsSuperuser: true}
	require.NoError(t, env.coordinator.Cancel(context.Background(), existing[0].ID, super))

	// 组内成员通过 required_groups 命中
	_, err = env.coordinator.RequestApproval(context.Background(), &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: env.approveID,
		Requester:    requester(),
		Groups:       []string{"finance"},
	})
	require.NoError(t, err)

	finUser := workflow.Actor{ID: "fin-user-1", Name: "fin", Groups: []string{"finance"}}
	forFin, _, err := env.coordinator.PendingForUser(context.Background(), finUser, page)
	require.NoError(t, err)
	require.Len(t, forFin, 1)
}

func TestScanDeadlines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(6 * time.Hour)
	req, err := env.coordinator.RequestApproval(ctx, &RequestInput{
		InstanceID:   env.instanceID,
		TransitionID: env.approveID,
		Requester:    requester(),
		Approvers:    []string{"user-a"},
		DueDate:      &due,
	})
	require.NoError(t, err)

	result, err := env.coordinator.ScanDeadlines(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, result.Warned)
	require.Zero(t, result.Passed)

	var notifs []notification.Notification
	require.NoError(t, env.db.
		Where("approval_request_id = ? AND type = ?", req.ID, notification.TypeDeadlineApproaching).
		Find(&notifs).Error)
	require.NotEmpty(t, notifs)

	// 第二轮扫描不重复提醒
	result, err = env.coordinator.ScanDeadlines(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, result.Warned)

	// 截止日期过去后发 deadline_passed，同样只发一次
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&workflow.ApprovalRequest{}).
		Where("id = ?", req.ID).
		Update("due_date", past).Error)

	result, err = env.coordinator.ScanDeadlines(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, result.Passed)

	result, err = env.coordinator.ScanDeadlines(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, result.Passed)
}
