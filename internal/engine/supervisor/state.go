package supervisor

import (
	"sync"
	"time"
)

// sessionState is the ephemeral anti-ban state of one instance. Owned
// by the supervisor; the broadcast processor is its only other reader,
// and at most one processor runs per supervisor.
type sessionState struct {
	mu sync.Mutex

	sessionStart     time.Time
	totalSentSession int
	consecutiveFails int
	lastActivity     string

	batchCount int

	dailyCount int
	dailyDate  string // local YYYY-MM-DD of the last reset

	media map[string][]byte // (broadcastID|url) -> raw bytes
}

func newSessionState(now time.Time) *sessionState {
	return &sessionState{
		sessionStart: now,
		dailyDate:    now.Format("2006-01-02"),
		media:        make(map[string][]byte),
	}
}

// SessionStart returns when the current socket session opened.
func (s *Supervisor) SessionStart() time.Time {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.sessionStart
}

// TotalSentSession returns messages sent since the session opened.
func (s *Supervisor) TotalSentSession() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.totalSentSession
}

// ConsecutiveFails returns the current failure streak.
func (s *Supervisor) ConsecutiveFails() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.consecutiveFails
}

// RecordSent accounts one successful send.
func (s *Supervisor) RecordSent() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.totalSentSession++
	s.state.dailyCount++
	s.state.consecutiveFails = 0
}

// RecordFailure accounts one failed send and returns the new streak.
func (s *Supervisor) RecordFailure() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.consecutiveFails++
	return s.state.consecutiveFails
}

// ResetFails clears the failure streak (circuit breaker recovery).
func (s *Supervisor) ResetFails() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.consecutiveFails = 0
}

// SetLastActivity records the last simulated activity type.
func (s *Supervisor) SetLastActivity(a string) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.lastActivity = a
}

// BatchCount returns sends since the last cooldown.
func (s *Supervisor) BatchCount() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.batchCount
}

// IncBatch increments the batch counter and returns the new value.
func (s *Supervisor) IncBatch() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.batchCount++
	return s.state.batchCount
}

// ResetBatch clears the batch counter after a cooldown.
func (s *Supervisor) ResetBatch() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.batchCount = 0
}

// DailyCount returns sends since the last local-midnight reset,
// rolling the counter first if the local date has changed.
func (s *Supervisor) DailyCount(now time.Time) int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	date := now.Format("2006-01-02")
	if date != s.state.dailyDate {
		s.state.dailyDate = date
		s.state.dailyCount = 0
	}
	return s.state.dailyCount
}

// MediaGet returns cached media bytes for a broadcast/url pair.
func (s *Supervisor) MediaGet(broadcastID, url string) ([]byte, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	b, ok := s.state.media[broadcastID+"|"+url]
	return b, ok
}

// MediaPut caches media bytes for a broadcast/url pair.
func (s *Supervisor) MediaPut(broadcastID, url string, data []byte) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.media[broadcastID+"|"+url] = data
}

// MediaClear drops all cached media (broadcast completion).
func (s *Supervisor) MediaClear() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.media = make(map[string][]byte)
}
