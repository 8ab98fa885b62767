package node

import (
	"sync"
	"time"
)

// DefaultSleepDebounce is the quiet period after a node's last
// successful exchange before the driver offers it sleep.
const DefaultSleepDebounce = 1000 * time.Millisecond

// SleepMonitor arms a per-node debounce timer after each successful
// exchange with a sleep-capable node. When the timer fires the onIdle
// callback runs; the driver checks eligibility and pending work there
// and sends WakeUpNoMoreInformation if the node should go back to
// sleep.
type SleepMonitor struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[uint8]*time.Timer
	onIdle func(nodeID uint8)
	closed bool
}

// NewSleepMonitor creates a monitor firing onIdle after delay of
// inactivity per node. A zero delay uses DefaultSleepDebounce.
func NewSleepMonitor(delay time.Duration, onIdle func(nodeID uint8)) *SleepMonitor {
	if delay <= 0 {
		delay = DefaultSleepDebounce
	}
	return &SleepMonitor{
		delay:  delay,
		timers: make(map[uint8]*time.Timer),
		onIdle: onIdle,
	}
}

// Touch restarts the node's debounce timer.
func (m *SleepMonitor) Touch(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[nodeID]; ok {
		t.Stop()
	}
	m.timers[nodeID] = time.AfterFunc(m.delay, func() { m.fire(nodeID) })
}

func (m *SleepMonitor) fire(nodeID uint8) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.timers, nodeID)
	m.mu.Unlock()
	m.onIdle(nodeID)
}

// Cancel stops the node's timer without firing.
func (m *SleepMonitor) Cancel(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[nodeID]; ok {
		t.Stop()
		delete(m.timers, nodeID)
	}
}

// Close stops all timers. The monitor is unusable afterwards.
func (m *SleepMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
