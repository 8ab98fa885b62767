package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/frame"
	"github.com/zwave-host/zwgo/pkg/log"
	"github.com/zwave-host/zwgo/pkg/serialapi"
)

// State is the scheduler's execution state.
type State int

const (
	StateIdle State = iota
	StateExecutingSend
	StateWaitingForResponse
	StateWaitingForCallback
	StateWaitingForNodeUpdate
	StatePaused
	StateRetrying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateExecutingSend:
		return "EXECUTING_SEND"
	case StateWaitingForResponse:
		return "WAITING_FOR_RESPONSE"
	case StateWaitingForCallback:
		return "WAITING_FOR_CALLBACK"
	case StateWaitingForNodeUpdate:
		return "WAITING_FOR_NODE_UPDATE"
	case StatePaused:
		return "PAUSED"
	case StateRetrying:
		return "RETRYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config bounds the scheduler's timers and retries.
type Config struct {
	ACKTimeout      time.Duration
	ResponseTimeout time.Duration
	CallbackTimeout time.Duration

	ControllerAttempts int
	SendDataAttempts   int
}

// Defaults per the Serial API host conventions.
const (
	DefaultACKTimeout      = 1000 * time.Millisecond
	DefaultResponseTimeout = 10 * time.Second
	DefaultCallbackTimeout = 65 * time.Second

	DefaultControllerAttempts = 3
	DefaultSendDataAttempts   = 3
)

func (c *Config) withDefaults() {
	if c.ACKTimeout <= 0 {
		c.ACKTimeout = DefaultACKTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.ControllerAttempts <= 0 {
		c.ControllerAttempts = DefaultControllerAttempts
	}
	if c.SendDataAttempts <= 0 {
		c.SendDataAttempts = DefaultSendDataAttempts
	}
}

// retryDelay grows with the attempt count.
func retryDelay(attempt int) time.Duration {
	return 100*time.Millisecond + time.Duration(attempt)*time.Second
}

// FrameWriter is the outbound half of the serial line.
type FrameWriter interface {
	WriteFrame(*frame.Frame) error
}

// Observer receives scheduler notifications. Methods run with the
// scheduler lock held and must not call back into the scheduler.
type Observer interface {
	StateChanged(prev, next State)
	QueueLength(n int)
	Retry(kind string)
}

type timerKind int

const (
	timerACK timerKind = iota
	timerResponse
	timerCallback
	timerRetry
)

// Scheduler is the single-consumer send state machine.
type Scheduler struct {
	mu sync.Mutex

	cfg       Config
	writer    FrameWriter
	callbacks *serialapi.CallbackCounter

	logger    log.Logger
	sessionID string

	state   State
	paused  bool
	stopped bool

	queue txQueue
	seq   uint64

	active     *Transaction
	currentMsg *serialapi.Message
	acked      bool

	attemptController int
	attemptSendData   int
	attemptFrame      int

	timer    *time.Timer
	timerGen uint64

	// onNodeTimeout runs outside the lock when a transaction flagged
	// ChangeNodeStatusOnTimeout fails with ErrNodeTimeout.
	onNodeTimeout func(nodeID uint8)

	observer Observer
}

// NewScheduler creates a scheduler writing to the given frame writer.
func NewScheduler(writer FrameWriter, callbacks *serialapi.CallbackCounter, cfg Config) *Scheduler {
	cfg.withDefaults()
	if callbacks == nil {
		callbacks = &serialapi.CallbackCounter{}
	}
	return &Scheduler{
		cfg:       cfg,
		writer:    writer,
		callbacks: callbacks,
		logger:    log.NoopLogger{},
		state:     StateIdle,
	}
}

// SetLogger configures logging. Pass nil to disable.
func (s *Scheduler) SetLogger(logger log.Logger, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = log.OrNoop(logger)
	s.sessionID = sessionID
}

// SetNodeTimeoutHandler installs the hook invoked when a transaction
// with ChangeNodeStatusOnTimeout rejects with ErrNodeTimeout.
func (s *Scheduler) SetNodeTimeoutHandler(fn func(nodeID uint8)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNodeTimeout = fn
}

// SetObserver installs the notification sink. Pass nil to disable.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

func (s *Scheduler) observeQueueLocked() {
	if s.observer != nil {
		s.observer.QueueLength(s.queue.Len())
	}
}

// Callbacks returns the shared callback id counter.
func (s *Scheduler) Callbacks() *serialapi.CallbackCounter { return s.callbacks }

// State reports the current execution state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLen reports how many transactions wait in the queue.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Enqueue adds a transaction. If it carries an expiry, a reducer is
// scheduled to reject it at that instant.
func (s *Scheduler) Enqueue(t *Transaction) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.dispatchLocked()
	s.mu.Unlock()

	if !t.ExpiresAt.IsZero() {
		time.AfterFunc(time.Until(t.ExpiresAt), func() {
			s.Reduce(func(q *Transaction) Reduction {
				if q == t {
					return Reject(ErrMessageExpired)
				}
				return Keep()
			})
		})
	}
	return nil
}

// Pause suspends dequeueing. The in-flight transaction, if any, runs to
// completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	if s.active == nil {
		s.setState(StatePaused, "pause")
	}
}

// Unpause resumes dequeueing.
func (s *Scheduler) Unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	if s.active == nil {
		s.setState(StateIdle, "unpause")
		s.dispatchLocked()
	}
}

// Stop rejects everything and refuses further work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.stopTimer()
	var settled []*Transaction
	if s.active != nil {
		settled = append(settled, s.active)
		s.active = nil
	}
	for s.queue.Len() > 0 {
		settled = append(settled, heap.Pop(&s.queue).(*Transaction))
	}
	s.setState(StateIdle, "stop")
	s.observeQueueLocked()
	s.mu.Unlock()

	for _, t := range settled {
		t.settle(Result{Err: ErrStopped})
	}
}

// Reduce applies a reducer to every queued transaction and, while it is
// still pre-ACK, the active one.
func (s *Scheduler) Reduce(r Reducer) {
	s.mu.Lock()

	type settlement struct {
		t *Transaction
		r Result
	}
	var settled []settlement

	old := s.queue
	s.queue = nil
	// Walk in stable order so requeued transactions keep their relative
	// order under fresh sequence numbers.
	sortStable(old)
	for _, t := range old {
		switch red := r(t); red.Verdict {
		case VerdictDrop:
			settled = append(settled, settlement{t, Result{Err: ErrMessageDropped}})
		case VerdictReject:
			settled = append(settled, settlement{t, Result{Err: red.Err}})
		case VerdictResolve:
			settled = append(settled, settlement{t, Result{Message: red.Message}})
		case VerdictRequeue:
			t.Priority = red.Priority
			if red.Tag != "" {
				t.Tag = red.Tag
			}
			s.seq++
			t.seq = s.seq
			heap.Push(&s.queue, t)
		default:
			heap.Push(&s.queue, t)
		}
	}

	if s.active != nil && !s.acked {
		switch red := r(s.active); red.Verdict {
		case VerdictDrop:
			settled = append(settled, settlement{s.active, Result{Err: ErrMessageDropped}})
			s.clearActiveLocked()
		case VerdictReject:
			settled = append(settled, settlement{s.active, Result{Err: red.Err}})
			s.clearActiveLocked()
		case VerdictResolve:
			settled = append(settled, settlement{s.active, Result{Message: red.Message}})
			s.clearActiveLocked()
		case VerdictRequeue:
			t := s.active
			t.Priority = red.Priority
			if red.Tag != "" {
				t.Tag = red.Tag
			}
			s.seq++
			t.seq = s.seq
			heap.Push(&s.queue, t)
			s.clearActiveLocked()
		}
	}

	s.dispatchLocked()
	s.mu.Unlock()

	for _, x := range settled {
		x.t.settle(x.r)
	}
}

// sortStable orders a raw heap slice by (priority, seq).
func sortStable(q txQueue) {
	for i := 1; i < len(q); i++ {
		for j := i; j > 0 && q.Less(j, j-1); j-- {
			q.Swap(j, j-1)
		}
	}
}

// clearActiveLocked stops timers and forgets the active transaction
// without settling it.
func (s *Scheduler) clearActiveLocked() {
	s.stopTimer()
	s.active = nil
	s.currentMsg = nil
	s.acked = false
	if s.paused {
		s.setState(StatePaused, "reduced")
	} else {
		s.setState(StateIdle, "reduced")
	}
}

// dispatchLocked pops the next transaction when idle.
func (s *Scheduler) dispatchLocked() {
	defer s.observeQueueLocked()
	if s.stopped || s.paused || s.active != nil {
		return
	}
	now := time.Now()
	for s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*Transaction)
		if t.expired(now) {
			go t.settle(Result{Err: ErrMessageExpired})
			continue
		}
		msg, done := t.next(nil)
		if done || msg == nil {
			go t.settle(Result{})
			continue
		}
		s.active = t
		s.currentMsg = msg
		s.attemptController = 0
		s.attemptSendData = 0
		s.attemptFrame = 0
		s.sendLocked()
		return
	}
	s.setState(StateIdle, "queue empty")
}

// sendLocked writes the current message and arms the ACK timer.
func (s *Scheduler) sendLocked() {
	s.acked = false
	s.setState(StateExecutingSend, s.currentMsg.Function.String())
	if err := s.writer.WriteFrame(s.currentMsg.Frame()); err != nil {
		t := s.active
		s.clearActiveLocked()
		go t.settle(Result{Err: err})
		s.dispatchLocked()
		return
	}
	s.startTimer(s.cfg.ACKTimeout, timerACK)
}

// HandleACK processes a low-level ACK from the controller.
func (s *Scheduler) HandleACK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExecutingSend || s.active == nil {
		return
	}
	s.acked = true
	s.stopTimer()

	if s.active.NoResponse {
		s.finishPartLocked(nil)
		return
	}
	s.setState(StateWaitingForResponse, "")
	s.startTimer(s.cfg.ResponseTimeout, timerResponse)
}

// HandleNAK processes a NAK: the controller rejected the frame.
func (s *Scheduler) HandleNAK() { s.handleSendFailure("NAK") }

// HandleCAN processes a CAN: the controller dropped the frame mid-write.
func (s *Scheduler) HandleCAN() { s.handleSendFailure("CAN") }

func (s *Scheduler) handleSendFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExecutingSend || s.active == nil {
		return
	}
	s.stopTimer()
	s.retryFrameLocked(fmt.Errorf("%w: %s", ErrACKTimeout, reason))
}

// retryFrameLocked retries the current frame after an ACK-level failure
// (ACK timeout, NAK, CAN). One frame retry is granted per controller
// attempt; a further ACK-level failure consumes a controller attempt.
func (s *Scheduler) retryFrameLocked(err error) {
	if s.attemptFrame == 0 {
		s.attemptFrame++
		if s.observer != nil {
			s.observer.Retry("frame")
		}
		s.setState(StateRetrying, err.Error())
		s.startTimer(retryDelay(1), timerRetry)
		return
	}
	s.retryControllerLocked(err)
}

// retryControllerLocked retries the current part within the controller
// attempt budget, else rejects. Each new attempt grants a fresh frame
// retry.
func (s *Scheduler) retryControllerLocked(err error) {
	s.attemptController++
	if s.attemptController >= s.cfg.ControllerAttempts {
		s.rejectActiveLocked(err)
		return
	}
	s.attemptFrame = 0
	if s.observer != nil {
		s.observer.Retry("controller")
	}
	s.setState(StateRetrying, err.Error())
	s.startTimer(retryDelay(s.attemptController), timerRetry)
}

// retrySendDataLocked retries a SendData part with a fresh callback id,
// aborting the stale callback first when it never arrived.
func (s *Scheduler) retrySendDataLocked(err error, abortFirst bool) {
	s.attemptSendData++
	if s.attemptSendData >= s.cfg.SendDataAttempts {
		s.rejectActiveLocked(err)
		return
	}
	if abortFirst {
		abort := serialapi.NewRequest(serialapi.FnSendDataAbort, nil)
		if werr := s.writer.WriteFrame(abort.Frame()); werr != nil {
			s.rejectActiveLocked(werr)
			return
		}
	}
	s.refreshCallbackLocked()
	s.attemptFrame = 0
	if s.observer != nil {
		s.observer.Retry("senddata")
	}
	s.setState(StateRetrying, err.Error())
	s.startTimer(retryDelay(s.attemptSendData), timerRetry)
}

// refreshCallbackLocked rewrites the callback id of the current
// SendData message so a late stale callback cannot be mistaken for the
// retry's.
func (s *Scheduler) refreshCallbackLocked() {
	m := s.currentMsg
	if m == nil || !m.Function.IsSendData() || m.CallbackID == 0 || len(m.Payload) == 0 {
		return
	}
	id := s.callbacks.Next()
	m.CallbackID = id
	m.Payload[len(m.Payload)-1] = id
}

// rejectActiveLocked settles the active transaction with err.
func (s *Scheduler) rejectActiveLocked(err error) {
	t := s.active
	s.logError(fmt.Sprintf("transaction failed: %v", err))
	s.clearActiveLocked()

	notify := t.ChangeNodeStatusOnTimeout && s.onNodeTimeout != nil
	nodeID := t.NodeID
	hook := s.onNodeTimeout
	go func() {
		t.settle(Result{Err: err})
		if notify {
			hook(nodeID)
		}
	}()
	s.dispatchLocked()
}

// finishPartLocked advances the parts generator with the completed
// result.
func (s *Scheduler) finishPartLocked(result *serialapi.Message) {
	s.stopTimer()
	t := s.active
	next, done := t.next(result)
	if done || next == nil {
		pause := t.PauseSendThreadOnDispatch
		s.active = nil
		s.currentMsg = nil
		s.acked = false
		if pause {
			s.paused = true
			s.setState(StatePaused, "transaction requested pause")
		} else {
			s.setState(StateIdle, "transaction settled")
		}
		go t.settle(Result{Message: result})
		s.dispatchLocked()
		return
	}
	s.currentMsg = next
	s.attemptController = 0
	s.attemptSendData = 0
	s.attemptFrame = 0
	s.sendLocked()
}

// HandleMessage offers an inbound message to the state machine. It
// reports whether the message was consumed as a response or callback of
// the active transaction.
func (s *Scheduler) HandleMessage(m *serialapi.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}

	switch s.state {
	case StateWaitingForResponse:
		if m.Type != serialapi.MessageResponse || m.Function != s.currentMsg.Function {
			return false
		}
		return s.handleResponseLocked(m)

	case StateWaitingForCallback:
		if m.Type != serialapi.MessageRequest || m.Function != s.currentMsg.Function {
			return false
		}
		return s.handleCallbackLocked(m)

	case StateWaitingForNodeUpdate:
		if m.Type != serialapi.MessageRequest || m.Function != serialapi.FnApplicationUpdate {
			return false
		}
		s.finishPartLocked(m)
		return true
	}
	return false
}

func (s *Scheduler) handleResponseLocked(m *serialapi.Message) bool {
	s.stopTimer()

	// SendData-family responses carry a boolean accept status.
	if s.currentMsg.Function.IsSendData() {
		ok, err := serialapi.DecodeResponseStatus(m)
		if err != nil {
			s.rejectActiveLocked(err)
			return true
		}
		if !ok {
			s.rejectActiveLocked(fmt.Errorf("%w: %s", ErrResponseNOK, m))
			return true
		}
	}

	switch {
	case s.currentMsg.CallbackID != 0 && s.currentMsg.Function.ExpectsCallback():
		s.setState(StateWaitingForCallback, "")
		s.startTimer(s.cfg.CallbackTimeout, timerCallback)
	case s.active.WaitForNodeUpdate:
		s.setState(StateWaitingForNodeUpdate, "")
		s.startTimer(s.cfg.CallbackTimeout, timerCallback)
	default:
		s.finishPartLocked(m)
	}
	return true
}

func (s *Scheduler) handleCallbackLocked(m *serialapi.Message) bool {
	if s.currentMsg.Function.IsSendData() {
		cb, err := serialapi.DecodeSendDataCallback(m)
		if err != nil {
			return false
		}
		// A mismatched callback id belongs to an aborted attempt.
		if cb.CallbackID != s.currentMsg.CallbackID {
			return false
		}
		s.stopTimer()
		switch {
		case cb.Report.Status.OK():
			s.finishPartLocked(m)
		case cb.Report.Status == serialapi.TransmitNoAck:
			s.retrySendDataLocked(fmt.Errorf("%w: node %d", ErrNodeTimeout, s.active.NodeID), false)
		default:
			s.retrySendDataLocked(fmt.Errorf("%w: %s", ErrCallbackNOK, cb.Report.Status), false)
		}
		return true
	}

	// Other callback-bearing functions put the callback id first.
	if len(m.Payload) < 1 || m.Payload[0] != s.currentMsg.CallbackID {
		return false
	}
	s.stopTimer()
	s.finishPartLocked(m)
	return true
}

// Timers

func (s *Scheduler) startTimer(d time.Duration, kind timerKind) {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() { s.onTimeout(gen, kind) })
}

func (s *Scheduler) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) onTimeout(gen uint64, kind timerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.active == nil {
		return
	}

	switch kind {
	case timerACK:
		s.retryFrameLocked(ErrACKTimeout)

	case timerResponse:
		if s.currentMsg.Function.IsSendData() {
			s.retrySendDataLocked(ErrResponseTimeout, false)
		} else {
			s.retryControllerLocked(ErrResponseTimeout)
		}

	case timerCallback:
		if s.currentMsg.Function.IsSendData() {
			s.retrySendDataLocked(ErrCallbackTimeout, true)
		} else {
			s.rejectActiveLocked(ErrCallbackTimeout)
		}

	case timerRetry:
		s.sendLocked()
	}
}

// Logging

func (s *Scheduler) setState(next State, reason string) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	if s.observer != nil {
		s.observer.StateChanged(prev, next)
	}
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.sessionID,
		Direction: log.DirectionOut,
		Layer:     log.LayerDriver,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityScheduler,
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

func (s *Scheduler) logError(msg string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.sessionID,
		Direction: log.DirectionOut,
		Layer:     log.LayerDriver,
		Category:  log.CategoryError,
		Error:     &log.ErrorEventData{Layer: log.LayerDriver, Message: msg},
	})
}
