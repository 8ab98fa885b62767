package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/cc/encap"
	"github.com/zwave-host/zwgo/pkg/scheduler"
	"github.com/zwave-host/zwgo/pkg/security"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Has(5))
	n := r.Ensure(5)
	require.NotNil(t, n)
	assert.True(t, r.Has(5))
	assert.Equal(t, StatusUnknown, r.Status(5))

	r.Ensure(3)
	r.Ensure(9)
	assert.Equal(t, []uint8{3, 5, 9}, r.IDs())

	r.Remove(5)
	assert.False(t, r.Has(5))
	assert.Equal(t, []uint8{3, 9}, r.IDs())
}

func TestStatusTransitions(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var seen []Status
	r.OnStatusChange(func(id uint8, old, new Status) {
		mu.Lock()
		seen = append(seen, new)
		mu.Unlock()
	})

	require.True(t, r.SetStatus(7, StatusAlive))
	assert.False(t, r.SetStatus(7, StatusAlive), "no-op transition must not notify")
	require.True(t, r.SetStatus(7, StatusAsleep))

	old, next, changed := r.MarkAlive(7)
	assert.True(t, changed)
	assert.Equal(t, StatusAsleep, old)
	assert.Equal(t, StatusAwake, next)

	mu.Lock()
	assert.Equal(t, []Status{StatusAlive, StatusAsleep, StatusAwake}, seen)
	mu.Unlock()
}

func TestMarkAliveFromDead(t *testing.T) {
	r := NewRegistry()
	r.SetStatus(4, StatusDead)

	_, next, changed := r.MarkAlive(4)
	assert.True(t, changed)
	assert.Equal(t, StatusAlive, next)

	// Alive nodes stay alive.
	_, _, changed = r.MarkAlive(4)
	assert.False(t, changed)
}

func TestMarkAliveUnknownSleeper(t *testing.T) {
	r := NewRegistry()
	r.With(8, func(n *Node) { n.CanSleep = true })

	_, next, changed := r.MarkAlive(8)
	assert.True(t, changed)
	assert.Equal(t, StatusAwake, next)
}

func TestSecuritySchemeSelection(t *testing.T) {
	r := NewRegistry()
	r.With(1, func(n *Node) { n.SecurityClass = security.KeyClassS2Authenticated })
	r.With(2, func(n *Node) { n.SecurityClass = security.KeyClassS0Legacy })
	r.With(3, func(n *Node) { n.SecurityClass = security.KeyClassNone })

	assert.Equal(t, encap.SchemeS2, r.SecurityScheme(1))
	assert.Equal(t, encap.SchemeS0, r.SecurityScheme(2))
	assert.Equal(t, encap.SchemeNone, r.SecurityScheme(3))
	assert.Equal(t, encap.SchemeNone, r.SecurityScheme(99))
}

func TestRequiresSecurity(t *testing.T) {
	r := NewRegistry()
	r.With(6, func(n *Node) {
		n.SecurityClass = security.KeyClassS2Authenticated
		n.SecureClasses[cc.ClassBasic] = true
	})

	assert.True(t, r.RequiresSecurity(6, cc.ClassBasic))
	assert.False(t, r.RequiresSecurity(6, cc.ClassWakeUp))

	r.With(6, func(n *Node) { n.SecurityClass = security.KeyClassTemporary })
	assert.False(t, r.RequiresSecurity(6, cc.ClassBasic), "bootstrap key does not enforce the policy yet")
}

func TestEligibleForSleep(t *testing.T) {
	n := newNode(5)
	assert.False(t, n.EligibleForSleep())

	n.CanSleep = true
	n.SupportsWakeUp = true
	n.WakeUpIntervalSeconds = 3600
	assert.True(t, n.EligibleForSleep())

	n.KeepAwake = true
	assert.False(t, n.EligibleForSleep())

	n.KeepAwake = false
	n.WakeUpIntervalSeconds = 0
	assert.False(t, n.EligibleForSleep())
}

func tx(nodeID uint8, p scheduler.Priority, tag string) *scheduler.Transaction {
	t := scheduler.NewMultiStep(p, nil)
	t.NodeID = nodeID
	t.Tag = tag
	return t
}

func TestAsleepReducer(t *testing.T) {
	reduce := AsleepReducer(5)

	cases := []struct {
		name     string
		tx       *scheduler.Transaction
		verdict  scheduler.Verdict
		priority scheduler.Priority
		tag      string
	}{
		{"other node untouched", tx(6, scheduler.PriorityNormal, ""), scheduler.VerdictKeep, 0, ""},
		{"ping dropped", tx(5, scheduler.PriorityPing, TagPing), scheduler.VerdictDrop, 0, ""},
		{"nonce dropped", tx(5, scheduler.PriorityNonce, TagNonce), scheduler.VerdictDrop, 0, ""},
		{"supervision reply dropped", tx(5, scheduler.PriorityNormal, TagSupervisionReport), scheduler.VerdictDrop, 0, ""},
		{"back-to-sleep dropped", tx(5, scheduler.PriorityWakeUp, TagNoMoreInformation), scheduler.VerdictDrop, 0, ""},
		{"interview parked", tx(5, scheduler.PriorityNodeQuery, ""), scheduler.VerdictRequeue, scheduler.PriorityWakeUp, TagInterview},
		{"normal parked", tx(5, scheduler.PriorityNormal, "poll"), scheduler.VerdictRequeue, scheduler.PriorityWakeUp, "poll"},
		{"already parked kept", tx(5, scheduler.PriorityWakeUp, ""), scheduler.VerdictKeep, 0, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			red := reduce(tc.tx)
			assert.Equal(t, tc.verdict, red.Verdict)
			if tc.verdict == scheduler.VerdictRequeue {
				assert.Equal(t, tc.priority, red.Priority)
				assert.Equal(t, tc.tag, red.Tag)
			}
		})
	}
}

func TestAwakeReducer(t *testing.T) {
	reduce := AwakeReducer(5)

	red := reduce(tx(5, scheduler.PriorityWakeUp, TagInterview))
	assert.Equal(t, scheduler.VerdictRequeue, red.Verdict)
	assert.Equal(t, scheduler.PriorityNodeQuery, red.Priority)

	red = reduce(tx(5, scheduler.PriorityWakeUp, TagPing))
	assert.Equal(t, scheduler.VerdictDrop, red.Verdict)

	red = reduce(tx(5, scheduler.PriorityWakeUp, "poll"))
	assert.Equal(t, scheduler.VerdictRequeue, red.Verdict)
	assert.Equal(t, scheduler.PriorityNormal, red.Priority)
	assert.Equal(t, "poll", red.Tag)

	assert.Equal(t, scheduler.VerdictKeep, reduce(tx(5, scheduler.PriorityNormal, "")).Verdict)
	assert.Equal(t, scheduler.VerdictKeep, reduce(tx(6, scheduler.PriorityWakeUp, "")).Verdict)
}

func TestRemovalReducer(t *testing.T) {
	sentinel := errors.New("node removed")
	reduce := RemovalReducer(3, sentinel)

	red := reduce(tx(3, scheduler.PriorityNormal, ""))
	assert.Equal(t, scheduler.VerdictReject, red.Verdict)
	assert.Same(t, sentinel, red.Err)

	assert.Equal(t, scheduler.VerdictKeep, reduce(tx(4, scheduler.PriorityNormal, "")).Verdict)
}

func TestInterviewRestartReducer(t *testing.T) {
	reduce := InterviewRestartReducer(3)

	red := reduce(tx(3, scheduler.PriorityWakeUp, TagInterview))
	assert.Equal(t, scheduler.VerdictReject, red.Verdict)
	assert.ErrorIs(t, red.Err, scheduler.ErrInterviewRestarted)

	assert.Equal(t, scheduler.VerdictKeep, reduce(tx(3, scheduler.PriorityNormal, "")).Verdict)
}

func TestSupervisionSessions(t *testing.T) {
	s := NewSupervisionSessions(0)

	var updates []SupervisionUpdate
	s.Register(5, 12, func(u SupervisionUpdate) { updates = append(updates, u) })
	require.Equal(t, 1, s.Len())

	working := &cc.SupervisionReportCommand{SessionID: 12, MoreUpdatesFollow: true, Status: 0x01, Duration: 2 * time.Second}
	require.True(t, s.Handle(5, working))
	assert.Equal(t, 1, s.Len(), "session survives intermediate updates")

	done := &cc.SupervisionReportCommand{SessionID: 12, MoreUpdatesFollow: false, Status: 0xFF}
	require.True(t, s.Handle(5, done))
	assert.Equal(t, 0, s.Len(), "final report removes the session")

	require.Len(t, updates, 2)
	assert.True(t, updates[0].MoreUpdates)
	assert.Equal(t, 2*time.Second, updates[0].RemainingDuration)
	assert.False(t, updates[1].MoreUpdates)
	assert.Equal(t, uint8(0xFF), updates[1].Status)

	assert.False(t, s.Handle(5, done), "unknown session is not consumed")
	assert.False(t, s.Handle(6, done), "wrong node is not consumed")
}

func TestSupervisionSessionTimeout(t *testing.T) {
	s := NewSupervisionSessions(10 * time.Millisecond)
	s.Register(5, 1, func(SupervisionUpdate) {})

	assert.Eventually(t, func() bool { return s.Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSupervisionPurge(t *testing.T) {
	s := NewSupervisionSessions(0)
	s.Register(5, 1, func(SupervisionUpdate) {})
	s.Register(5, 2, func(SupervisionUpdate) {})
	s.Register(6, 1, func(SupervisionUpdate) {})

	s.Purge(5)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Handle(6, &cc.SupervisionReportCommand{SessionID: 1}))
}

func TestSleepMonitor(t *testing.T) {
	fired := make(chan uint8, 4)
	m := NewSleepMonitor(20*time.Millisecond, func(id uint8) { fired <- id })
	defer m.Close()

	m.Touch(5)
	select {
	case id := <-fired:
		assert.Equal(t, uint8(5), id)
	case <-time.After(time.Second):
		t.Fatal("debounce never fired")
	}

	// A touch inside the window restarts it.
	m.Touch(5)
	time.Sleep(10 * time.Millisecond)
	m.Touch(5)
	select {
	case <-fired:
		t.Fatal("fired before the restarted window elapsed")
	default:
	}
	select {
	case id := <-fired:
		assert.Equal(t, uint8(5), id)
	case <-time.After(time.Second):
		t.Fatal("restarted debounce never fired")
	}

	m.Touch(7)
	m.Cancel(7)
	time.Sleep(40 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	default:
	}
}
