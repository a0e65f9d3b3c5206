package ingest

import (
	"sync"
	"time"

	"github.com/hitoshi/licitaciones/internal/model"
)

// StatusSnapshot は同期状態のある時点のコピー。
// LastSyncは失敗を含む直近の同期、LastSyncAtは直近の成功した同期の開始時刻。
type StatusSnapshot struct {
	LastSync         *model.SyncResult
	LastSyncAt       *time.Time
	LastSyncError    string
	ScrapeInProgress bool
	LastCycle        *CycleResult
	LastCycleError   string
}

// Status はコーディネーターが保持する同期状態。
type Status struct {
	mu             sync.Mutex
	lastSync       *model.SyncResult
	lastSuccessAt  *time.Time
	lastSyncError  string
	lastCycle      *CycleResult
	lastCycleError string
}

func (s *Status) recordSync(result model.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync = &result
	if err != nil {
		s.lastSyncError = err.Error()
		return
	}
	s.lastSyncError = ""
	at := result.StartedAt
	s.lastSuccessAt = &at
}

func (s *Status) recordCycle(result CycleResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCycle = &result
	s.lastCycleError = ""
	if err != nil {
		s.lastCycleError = err.Error()
	}
}

// Snapshot は現在の状態をコピーして返す。
func (s *Status) Snapshot(running bool) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{
		LastSyncError:    s.lastSyncError,
		ScrapeInProgress: running,
		LastCycleError:   s.lastCycleError,
	}
	if s.lastSync != nil {
		last := *s.lastSync
		snap.LastSync = &last
	}
	if s.lastSuccessAt != nil {
		at := *s.lastSuccessAt
		snap.LastSyncAt = &at
	}
	if s.lastCycle != nil {
		cycle := *s.lastCycle
		snap.LastCycle = &cycle
	}
	return snap
}
