package notification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backend/internal/common"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notification_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Notification{}))
	return db
}

func TestNotifyStateChangedCreatesRecord(t *testing.T) {
	db := initTestDB(t)
	d := NewDispatcher(db)
	ctx := context.Background()

	require.NoError(t, d.NotifyStateChanged(ctx, db, "user-1", "inst-1", "Draft", "Pending Approval"))

	var n Notification
	require.NoError(t, db.First(&n, "user_id = ?", "user-1").Error)
	require.Equal(t, TypeStateChanged, n.Type)
	require.Equal(t, "State changed to Pending Approval", n.Title)
	require.Contains(t, n.Message, "from Draft to Pending Approval")

	// 无执行人时静默跳过
	require.NoError(t, d.NotifyStateChanged(ctx, db, "", "inst-1", "a", "b"))
	var count int64
	require.NoError(t, db.Model(&Notification{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestNotifyApprovalRespondedPicksType(t *testing.T) {
	db := initTestDB(t)
	d := NewDispatcher(db)
	ctx := context.Background()

	require.NoError(t, d.NotifyApprovalResponded(ctx, db, "req-owner", "inst-1", "appr-1", "Alice Wu", true))
	require.NoError(t, d.NotifyApprovalResponded(ctx, db, "req-owner", "inst-1", "appr-1", "Bob Li", false))

	var approvedN, rejectedN Notification
	require.NoError(t, db.First(&approvedN, "type = ?", TypeApprovalReceived).Error)
	require.NoError(t, db.First(&rejectedN, "type = ?", TypeRejectionReceived).Error)
	require.Contains(t, approvedN.Message, "Alice Wu has approved")
	require.Contains(t, rejectedN.Message, "Bob Li has rejected")
}

func TestNotifyDeadlineRejectsWrongType(t *testing.T) {
	db := initTestDB(t)
	d := NewDispatcher(db)

	err := d.NotifyDeadline(context.Background(), db, TypeStateChanged,
		[]string{"user-1"}, "inst-1", "appr-1", time.Now())
	require.Error(t, err)
}

func TestReadBookkeeping(t *testing.T) {
	db := initTestDB(t)
	d := NewDispatcher(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.NotifyStateChanged(ctx, db, "user-1", fmt.Sprintf("inst-%d", i), "a", "b"))
	}
	require.NoError(t, d.NotifyStateChanged(ctx, db, "user-2", "inst-9", "a", "b"))

	unread, err := d.UnreadCount(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, unread)

	items, total, err := d.ListForUser(ctx, "user-1", true, common.PaginationRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	// 只有本人能标记已读
	require.NoError(t, d.MarkRead(ctx, "user-2", items[0].ID))
	unread, err = d.UnreadCount(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, unread)

	require.NoError(t, d.MarkRead(ctx, "user-1", items[0].ID))
	unread, err = d.UnreadCount(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, unread)

	affected, err := d.MarkAllRead(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, affected)

	// user-2 的未读不受影响
	unread, err = d.UnreadCount(ctx, "user-2")
	require.NoError(t, err)
	require.EqualValues(t, 1, unread)
}
