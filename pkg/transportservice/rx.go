package transportservice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// RequestMissingSegmentTimeout is how long the receiver waits for the
// next segment before asking for the first missing byte range.
const RequestMissingSegmentTimeout = 800 * time.Millisecond

// maxSegmentRequests bounds retransmission requests per gap before the
// session is abandoned.
const maxSegmentRequests = 3

// RX errors.
var (
	ErrUnknownSession = errors.New("transportservice: no session for segment")
	ErrSessionFailed  = errors.New("transportservice: session failed")
)

// RXState is the reassembly state of one inbound session.
type RXState int

const (
	StateInitial RXState = iota
	StateReceiving
	StateAwaitingGap
	StateComplete
	StateFailure
)

// String returns the state name.
func (s RXState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateReceiving:
		return "RECEIVING"
	case StateAwaitingGap:
		return "AWAITING_GAP"
	case StateComplete:
		return "COMPLETE"
	case StateFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("RXState(%d)", int(s))
	}
}

// OutputKind discriminates session outputs.
type OutputKind int

const (
	// OutputSend carries a segment command for the peer.
	OutputSend OutputKind = iota
	// OutputStartTimer (re)arms the missing-segment timer.
	OutputStartTimer
	// OutputStopTimer cancels it.
	OutputStopTimer
	// OutputDatagram carries the fully reassembled datagram.
	OutputDatagram
)

// Output is one effect a session step produced. The caller performs the
// I/O and timer handling.
type Output struct {
	Kind     OutputKind
	Command  *cc.Command
	Datagram []byte
	Duration time.Duration
}

func sendOutput(c *cc.Command) Output {
	return Output{Kind: OutputSend, Command: c}
}

var (
	startTimer = Output{Kind: OutputStartTimer, Duration: RequestMissingSegmentTimeout}
	stopTimer  = Output{Kind: OutputStopTimer}
)

// rxSession reassembles one datagram.
type rxSession struct {
	nodeID    uint8
	sessionID uint8
	state     RXState

	datagramSize int
	buffer       []byte
	received     []bool
	count        int
	requests     int
}

func newRXSession(nodeID, sessionID uint8) *rxSession {
	return &rxSession{nodeID: nodeID, sessionID: sessionID, state: StateInitial}
}

// reset reinitialises for a fresh first segment.
func (s *rxSession) reset(datagramSize int) {
	s.state = StateReceiving
	s.datagramSize = datagramSize
	s.buffer = make([]byte, datagramSize)
	s.received = make([]bool, datagramSize)
	s.count = 0
	s.requests = 0
}

// firstMissing returns the lowest unreceived byte offset.
func (s *rxSession) firstMissing() int {
	for i, ok := range s.received {
		if !ok {
			return i
		}
	}
	return s.datagramSize
}

func (s *rxSession) store(offset int, data []byte) error {
	if offset+len(data) > s.datagramSize {
		s.state = StateFailure
		return fmt.Errorf("%w: segment [%d:%d) beyond datagram size %d",
			ErrSessionFailed, offset, offset+len(data), s.datagramSize)
	}
	copy(s.buffer[offset:], data)
	for i := offset; i < offset+len(data); i++ {
		if !s.received[i] {
			s.received[i] = true
			s.count++
		}
	}
	return nil
}

// finish emits the datagram and the completion acknowledgement.
func (s *rxSession) finish() []Output {
	s.state = StateComplete
	return []Output{
		stopTimer,
		sendOutput(EncodeSegmentComplete(s.nodeID, s.sessionID)),
		{Kind: OutputDatagram, Datagram: s.buffer},
	}
}

// handleFirst processes a first segment. A fresh or completed session
// is reinitialised; a session mid-reassembly treats a matching first
// segment as a retransmission and keeps its buffered data.
func (s *rxSession) handleFirst(seg *Segment) ([]Output, error) {
	retransmit := (s.state == StateReceiving || s.state == StateAwaitingGap) &&
		seg.DatagramSize == s.datagramSize
	if !retransmit {
		s.reset(seg.DatagramSize)
	}
	if err := s.store(0, seg.Data); err != nil {
		return nil, err
	}
	if s.count == s.datagramSize {
		return s.finish(), nil
	}
	// A contiguous prefix means nothing is outstanding behind us.
	if s.firstMissing() == s.count {
		s.state = StateReceiving
		s.requests = 0
	}
	return []Output{startTimer}, nil
}

// handleSubsequent processes a follow-up segment.
func (s *rxSession) handleSubsequent(seg *Segment) ([]Output, error) {
	switch s.state {
	case StateInitial:
		// The first segment went missing. Buffer what we have and ask
		// for the start of the datagram.
		s.reset(seg.DatagramSize)
		s.state = StateAwaitingGap
		if err := s.store(seg.Offset, seg.Data); err != nil {
			return nil, err
		}
		s.requests++
		return []Output{sendOutput(EncodeSegmentRequest(s.nodeID, s.sessionID, 0)), startTimer}, nil

	case StateReceiving, StateAwaitingGap:
		if seg.DatagramSize != s.datagramSize {
			s.state = StateFailure
			return nil, fmt.Errorf("%w: datagram size changed %d -> %d",
				ErrSessionMismatch, s.datagramSize, seg.DatagramSize)
		}
		if err := s.store(seg.Offset, seg.Data); err != nil {
			return nil, err
		}
		if s.count == s.datagramSize {
			return s.finish(), nil
		}
		if s.firstMissing() < seg.Offset {
			s.state = StateAwaitingGap
		} else {
			s.state = StateReceiving
			s.requests = 0
		}
		return []Output{startTimer}, nil

	case StateComplete:
		// Duplicate tail of an already delivered datagram; re-ack so
		// the sender stops retransmitting.
		return []Output{sendOutput(EncodeSegmentComplete(s.nodeID, s.sessionID))}, nil

	default:
		return nil, fmt.Errorf("%w: node %d session %d", ErrSessionFailed, s.nodeID, s.sessionID)
	}
}

// handleTimeout runs when the missing-segment timer fires.
func (s *rxSession) handleTimeout() ([]Output, error) {
	switch s.state {
	case StateReceiving, StateAwaitingGap:
		if s.requests >= maxSegmentRequests {
			s.state = StateFailure
			return nil, fmt.Errorf("%w: node %d session %d gave up after %d segment requests",
				ErrSessionFailed, s.nodeID, s.sessionID, s.requests)
		}
		s.requests++
		s.state = StateAwaitingGap
		return []Output{sendOutput(EncodeSegmentRequest(s.nodeID, s.sessionID, s.firstMissing())), startTimer}, nil
	default:
		return nil, nil
	}
}

// RX routes inbound segments to per-(node, session) reassembly sessions.
type RX struct {
	mu       sync.Mutex
	sessions map[rxKey]*rxSession
}

type rxKey struct {
	nodeID    uint8
	sessionID uint8
}

// NewRX creates an empty receiver.
func NewRX() *RX {
	return &RX{sessions: make(map[rxKey]*rxSession)}
}

// Handle feeds one parsed segment into its session, creating the
// session on a first segment. Failed sessions are removed.
func (r *RX) Handle(seg *Segment) ([]Output, error) {
	key := rxKey{seg.NodeID, seg.SessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	var (
		out []Output
		err error
	)
	switch seg.Kind {
	case KindFirst:
		if !ok {
			s = newRXSession(seg.NodeID, seg.SessionID)
			r.sessions[key] = s
		}
		out, err = s.handleFirst(seg)
	case KindSubsequent:
		if !ok {
			s = newRXSession(seg.NodeID, seg.SessionID)
			r.sessions[key] = s
		}
		out, err = s.handleSubsequent(seg)
	default:
		return nil, fmt.Errorf("%w: %s is not an inbound data segment", ErrBadSegment, seg.Kind)
	}
	if err != nil {
		delete(r.sessions, key)
	}
	return out, err
}

// HandleTimeout runs the missing-segment timer for a session.
func (r *RX) HandleTimeout(nodeID, sessionID uint8) ([]Output, error) {
	key := rxKey{nodeID, sessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: node %d session %d", ErrUnknownSession, nodeID, sessionID)
	}
	out, err := s.handleTimeout()
	if err != nil {
		delete(r.sessions, key)
	}
	return out, err
}

// State reports a session's reassembly state.
func (r *RX) State(nodeID, sessionID uint8) RXState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[rxKey{nodeID, sessionID}]; ok {
		return s.state
	}
	return StateInitial
}

// Drop discards a session.
func (r *RX) Drop(nodeID, sessionID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, rxKey{nodeID, sessionID})
}
