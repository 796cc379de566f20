package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/entity"
)

// initTestDB 创建内存数据库用于测试
func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Log{}, &ArchivedLog{}, &BudgetChange{}))
	return db
}

func campaignRef(id string) entity.Ref {
	return entity.Ref{Type: entity.TypeCampaign, ID: id}
}

func TestLogEventPersists(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	ref := campaignRef("11111111-1111-1111-1111-111111111111")
	log, err := trail.LogEvent(ctx, Entry{
		Entity:      ref,
		Action:      ActionCreated,
		Description: "campaign created",
		ActorID:     "user-1",
		ExtraData:   map[string]any{"source": "import"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, log.ID)

	var stored Log
	require.NoError(t, db.First(&stored, "id = ?", log.ID).Error)
	require.Equal(t, entity.TypeCampaign, stored.EntityType)
	require.Equal(t, ActionCreated, stored.Action)
	require.Equal(t, "user-1", stored.CreatedBy)
	require.Equal(t, "import", stored.ExtraData["source"])
}

func TestLogEventRejectsBadInput(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	_, err := trail.LogEvent(ctx, Entry{
		Entity: entity.Ref{Type: "banana", ID: "x"},
		Action: ActionCreated,
	})
	require.Error(t, err)

	_, err = trail.LogEvent(ctx, Entry{
		Entity: campaignRef("22222222-2222-2222-2222-222222222222"),
	})
	require.Error(t, err)
}

func TestLogStateChangeDescriptionFormat(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	log, err := trail.LogStateChange(ctx,
		campaignRef("33333333-3333-3333-3333-333333333333"),
		"draft", "pending_approval", "user-2", nil)
	require.NoError(t, err)
	require.Equal(t, "status: draft -> pending_approval", log.Description)
	require.Equal(t, "draft", log.OldState)
	require.Equal(t, "pending_approval", log.NewState)
	require.Equal(t, ActionStateChanged, log.Action)
}

func TestLogBudgetChangeRequiresReasonForOverride(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	_, err := trail.LogBudgetChange(ctx, BudgetEntry{
		Entity:           campaignRef("44444444-4444-4444-4444-444444444444"),
		FieldName:        "budget_micros",
		NewValue:         MicrosFromUnits(500),
		IsManualOverride: true,
	})
	require.Error(t, err)
}

func TestPricingOverrideWritesPairedRecords(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	ref := entity.Ref{Type: entity.TypeSubcampaign, ID: "55555555-5555-5555-5555-555555555555"}
	old := MicrosFromUnits(100)
	change, err := trail.LogPricingOverride(ctx, BudgetEntry{
		Entity:    ref,
		FieldName: "net_price_micros",
		OldValue:  &old,
		NewValue:  MicrosFromUnits(90),
		Reason:    "客户协议价",
		ActorID:   "user-3",
	})
	require.NoError(t, err)
	require.True(t, change.IsManualOverride)
	require.Equal(t, Micros(-10_000_000), change.DeltaMicros())

	var logs []Log
	require.NoError(t, db.Where("entity_id = ?", ref.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, ActionPricingOverridden, logs[0].Action)
	require.Contains(t, logs[0].Description, "net_price_micros")
	require.Contains(t, logs[0].Description, "客户协议价")
}

func TestOverrideRollsBackAsOneUnit(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()

	// 缺原因导致预算记录校验失败，审计记录也不应落库
	_, err := trail.LogFeeOverride(ctx, BudgetEntry{
		Entity:    campaignRef("66666666-6666-6666-6666-666666666666"),
		FieldName: "fee_micros",
		NewValue:  MicrosFromUnits(10),
	})
	require.Error(t, err)

	var logCount, changeCount int64
	require.NoError(t, db.Model(&Log{}).Count(&logCount).Error)
	require.NoError(t, db.Model(&BudgetChange{}).Count(&changeCount).Error)
	require.Zero(t, logCount)
	require.Zero(t, changeCount)
}

func TestListForEntityOrdersNewestFirst(t *testing.T) {
	db := initTestDB(t)
	trail := NewTrail(db)
	ctx := context.Background()
	ref := campaignRef("77777777-7777-7777-7777-777777777777")

	for i, action := range []Action{ActionCreated, ActionUpdated, ActionStateChanged} {
		log := &Log{
			ID:          fmt.Sprintf("log-%d", i),
			EntityType:  ref.Type,
			EntityID:    ref.ID,
			Action:      action,
			Description: string(action),
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(log).Error)
	}

	logs, total, err := trail.ListForEntity(ctx, ref, common.PaginationRequest{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, logs, 2)
	require.Equal(t, ActionStateChanged, logs[0].Action)
}

func TestArchiverMovesExpiredRows(t *testing.T) {
	db := initTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -400)
	fresh := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&Log{
			ID:          fmt.Sprintf("old-%d", i),
			EntityType:  entity.TypeCampaign,
			EntityID:    "88888888-8888-8888-8888-888888888888",
			Action:      ActionUpdated,
			Description: "expired",
			CreatedAt:   old.Add(time.Duration(i) * time.Second),
		}).Error)
	}
	require.NoError(t, db.Create(&Log{
		ID:          "fresh-1",
		EntityType:  entity.TypeCampaign,
		EntityID:    "88888888-8888-8888-8888-888888888888",
		Action:      ActionUpdated,
		Description: "recent",
		CreatedAt:   fresh,
	}).Error)

	archiver := NewArchiver(db, ArchiverConfig{RetentionDays: 365, BatchSize: 2})
	result, err := archiver.Archive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, result.ArchivedRows)
	require.Equal(t, 3, result.Batches)

	var remaining, archived int64
	require.NoError(t, db.Model(&Log{}).Count(&remaining).Error)
	require.NoError(t, db.Model(&ArchivedLog{}).Count(&archived).Error)
	require.EqualValues(t, 1, remaining)
	require.EqualValues(t, 5, archived)
}
