package node

import (
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// SupervisionUpdate is one Supervision Report delivered to a session's
// callback.
type SupervisionUpdate struct {
	Status            uint8
	RemainingDuration time.Duration
	MoreUpdates       bool
}

// SupervisionCallback receives supervision session updates.
type SupervisionCallback func(u SupervisionUpdate)

type supervisionKey struct {
	nodeID    uint8
	sessionID uint8
}

// SupervisionSessions maps (node id, session id) to the update callback
// registered when the Supervision Get was sent. Entries are removed
// when a report arrives with MoreUpdates false, or by timeout.
type SupervisionSessions struct {
	mu       sync.Mutex
	sessions map[supervisionKey]*supervisionEntry

	// Timeout expires sessions that never see a final report. Zero
	// disables expiry.
	Timeout time.Duration
}

type supervisionEntry struct {
	callback SupervisionCallback
	timer    *time.Timer
}

// NewSupervisionSessions creates an empty session registry.
func NewSupervisionSessions(timeout time.Duration) *SupervisionSessions {
	return &SupervisionSessions{
		sessions: make(map[supervisionKey]*supervisionEntry),
		Timeout:  timeout,
	}
}

// Register records the callback for a session. A previous entry for the
// same key is replaced.
func (s *SupervisionSessions) Register(nodeID, sessionID uint8, fn SupervisionCallback) {
	key := supervisionKey{nodeID, sessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &supervisionEntry{callback: fn}
	if s.Timeout > 0 {
		e.timer = time.AfterFunc(s.Timeout, func() { s.expire(key) })
	}
	s.sessions[key] = e
}

func (s *SupervisionSessions) expire(key supervisionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Handle routes a Supervision Report to its session. It reports whether
// a session consumed the report; unmatched reports go to the node's
// command handler instead.
func (s *SupervisionSessions) Handle(nodeID uint8, report *cc.SupervisionReportCommand) bool {
	key := supervisionKey{nodeID, report.SessionID}
	s.mu.Lock()
	e, ok := s.sessions[key]
	if ok && !report.MoreUpdatesFollow {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.callback(SupervisionUpdate{
		Status:            report.Status,
		RemainingDuration: report.Duration,
		MoreUpdates:       report.MoreUpdatesFollow,
	})
	return true
}

// Purge drops every session for a node.
func (s *SupervisionSessions) Purge(nodeID uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.sessions {
		if key.nodeID == nodeID {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.sessions, key)
		}
	}
}

// Len returns the live session count.
func (s *SupervisionSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
