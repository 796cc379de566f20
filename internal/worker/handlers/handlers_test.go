package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backend/internal/audit"
	"backend/internal/worker/tasks"
	"backend/internal/workflow/approval"
)

type fakeScanner struct {
	gotWindow time.Duration
	err       error
}

func (f *fakeScanner) ScanDeadlines(ctx context.Context, warningWindow time.Duration) (*approval.DeadlineScanResult, error) {
	f.gotWindow = warningWindow
	if f.err != nil {
		return nil, f.err
	}
	return &approval.DeadlineScanResult{Warned: 2, Passed: 1}, nil
}

func TestHandleDeadlineScanUsesDefaultWindow(t *testing.T) {
	scanner := &fakeScanner{}
	h := NewDeadlineHandler(scanner, 24*time.Hour, zap.NewNop())

	task := asynq.NewTask(tasks.TypeDeadlineScan, nil)
	require.NoError(t, h.HandleDeadlineScan(context.Background(), task))
	require.Equal(t, 24*time.Hour, scanner.gotWindow)
}

func TestHandleDeadlineScanHonorsPayloadWindow(t *testing.T) {
	scanner := &fakeScanner{}
	h := NewDeadlineHandler(scanner, 24*time.Hour, zap.NewNop())

	payload, err := json.Marshal(tasks.DeadlineScanPayload{WarningWindowSeconds: 3600})
	require.NoError(t, err)
	task := asynq.NewTask(tasks.TypeDeadlineScan, payload)

	require.NoError(t, h.HandleDeadlineScan(context.Background(), task))
	require.Equal(t, time.Hour, scanner.gotWindow)
}

func TestHandleDeadlineScanPropagatesError(t *testing.T) {
	scanner := &fakeScanner{err: fmt.Errorf("db down")}
	h := NewDeadlineHandler(scanner, time.Hour, zap.NewNop())

	task := asynq.NewTask(tasks.TypeDeadlineScan, nil)
	require.Error(t, h.HandleDeadlineScan(context.Background(), task))
}

type fakeArchiver struct {
	calls int
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context) (*audit.ArchiveResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &audit.ArchiveResult{ArchivedRows: 10, Batches: 1}, nil
}

func TestHandleAuditArchive(t *testing.T) {
	archiver := &fakeArchiver{}
	h := NewAuditHandler(archiver, zap.NewNop())

	task := asynq.NewTask(tasks.TypeAuditArchive, nil)
	require.NoError(t, h.HandleAuditArchive(context.Background(), task))
	require.Equal(t, 1, archiver.calls)

	archiver.err = fmt.Errorf("archive table missing")
	require.Error(t, h.HandleAuditArchive(context.Background(), task))
}
