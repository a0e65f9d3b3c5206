package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockPruner はSyncRunPrunerのモック実装。
type mockPruner struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	deleted int64
	err     error
}

func (m *mockPruner) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.cutoffs = append(m.cutoffs, cutoff)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.deleted, m.err
}

func (m *mockPruner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("ログのJSONパースに失敗: %v\nraw: %s", err, buf.String())
	}
	return entry
}

var fixedNow = time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)

func newTestJob(store SyncRunPruner, buf *bytes.Buffer, retentionDays int) *CleanupJob {
	job := NewCleanupJob(store, newTestLogger(buf), retentionDays)
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_DefaultRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		in, want int
	}{
		{0, DefaultRetentionDays},
		{-3, DefaultRetentionDays},
		{90, 90},
	}
	for _, tt := range tests {
		job := NewCleanupJob(&mockPruner{}, newTestLogger(&buf), tt.in)
		if job.RetentionDays != tt.want {
			t.Errorf("NewCleanupJob(%d).RetentionDays = %d, want %d", tt.in, job.RetentionDays, tt.want)
		}
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	store := &mockPruner{deleted: 12}
	job := newTestJob(store, &buf, 30)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if store.calls != 1 {
		t.Fatalf("DeleteOlderThan の呼び出し回数 = %d, want 1", store.calls)
	}
	want := time.Date(2025, 2, 8, 3, 0, 0, 0, time.UTC)
	if !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{deleted: 12}, &buf, 30)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(12) {
		t.Errorf("deleted_count = %v, want 12", entry["deleted_count"])
	}
	if entry["retention_days"] != float64(30) {
		t.Errorf("retention_days = %v, want 30", entry["retention_days"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が含まれていない")
	}
	if _, ok := entry["cutoff"]; !ok {
		t.Error("ログに cutoff が含まれていない")
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{}, &buf, 30)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run がエラーを返した: %v", i+1, err)
		}
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(0) {
		t.Errorf("deleted_count = %v, want 0", entry["deleted_count"])
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	storeErr := errors.New("connection refused")
	job := newTestJob(&mockPruner{err: storeErr}, &buf, 30)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("ストア失敗時にエラーが返されなかった")
	}
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want wrapping %v", err, storeErr)
	}

	entry := lastLogEntry(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
}

func TestCleanupJob_Run_RespectsContext(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{}, &buf, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	store := &mockPruner{}
	job := newTestJob(store, &buf, 30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for store.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}

	if store.callCount() < 2 {
		t.Errorf("DeleteOlderThan の呼び出し回数 = %d, want >= 2", store.callCount())
	}
}
