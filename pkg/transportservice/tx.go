package transportservice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zwave-host/zwgo/pkg/cc"
)

var errEmptyDatagram = errors.New("transportservice: empty datagram")

// Fragment splits a datagram into first and subsequent segments of at
// most fragmentSize data bytes each.
func Fragment(nodeID, sessionID uint8, datagram []byte, fragmentSize int) ([]*cc.Command, error) {
	if len(datagram) == 0 {
		return nil, errEmptyDatagram
	}
	if fragmentSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrFragmentSize, fragmentSize)
	}
	if len(datagram) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrDatagramSize, len(datagram))
	}

	var out []*cc.Command
	end := fragmentSize
	if end > len(datagram) {
		end = len(datagram)
	}
	first, err := EncodeFirstSegment(nodeID, sessionID, len(datagram), datagram[:end])
	if err != nil {
		return nil, err
	}
	out = append(out, first)

	for off := end; off < len(datagram); off += fragmentSize {
		stop := off + fragmentSize
		if stop > len(datagram) {
			stop = len(datagram)
		}
		seg, err := EncodeSubsequentSegment(nodeID, sessionID, len(datagram), off, datagram[off:stop])
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// txSession remembers a sent datagram so segment requests can be
// answered with retransmissions.
type txSession struct {
	nodeID       uint8
	sessionID    uint8
	datagram     []byte
	fragmentSize int
}

// TX tracks outbound datagrams per (node, session) and allocates
// session ids per node.
type TX struct {
	mu       sync.Mutex
	sessions map[rxKey]*txSession
	nextID   map[uint8]uint8
}

// NewTX creates an empty transmitter.
func NewTX() *TX {
	return &TX{
		sessions: make(map[rxKey]*txSession),
		nextID:   make(map[uint8]uint8),
	}
}

// Send fragments a datagram for a node, recording it for retransmission
// until the peer acknowledges with a segment complete.
func (t *TX) Send(nodeID uint8, datagram []byte, fragmentSize int) ([]*cc.Command, error) {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}

	t.mu.Lock()
	sessionID := t.nextID[nodeID]
	t.nextID[nodeID] = (sessionID + 1) & MaxSessionID
	t.mu.Unlock()

	segments, err := Fragment(nodeID, sessionID, datagram, fragmentSize)
	if err != nil {
		return nil, err
	}

	stored := append([]byte(nil), datagram...)
	t.mu.Lock()
	t.sessions[rxKey{nodeID, sessionID}] = &txSession{
		nodeID:       nodeID,
		sessionID:    sessionID,
		datagram:     stored,
		fragmentSize: fragmentSize,
	}
	t.mu.Unlock()
	return segments, nil
}

// HandleRequest answers a peer's segment request with the segment that
// starts at the requested offset.
func (t *TX) HandleRequest(seg *Segment) (*cc.Command, error) {
	t.mu.Lock()
	s, ok := t.sessions[rxKey{seg.NodeID, seg.SessionID}]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: node %d session %d", ErrUnknownSession, seg.NodeID, seg.SessionID)
	}
	if seg.Offset >= len(s.datagram) {
		return nil, fmt.Errorf("%w: request offset %d beyond datagram %d",
			ErrBadSegment, seg.Offset, len(s.datagram))
	}

	if seg.Offset == 0 {
		end := s.fragmentSize
		if end > len(s.datagram) {
			end = len(s.datagram)
		}
		return EncodeFirstSegment(s.nodeID, s.sessionID, len(s.datagram), s.datagram[:end])
	}
	stop := seg.Offset + s.fragmentSize
	if stop > len(s.datagram) {
		stop = len(s.datagram)
	}
	return EncodeSubsequentSegment(s.nodeID, s.sessionID, len(s.datagram), seg.Offset, s.datagram[seg.Offset:stop])
}

// HandleComplete closes a session on the peer's acknowledgement.
func (t *TX) HandleComplete(seg *Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, rxKey{seg.NodeID, seg.SessionID})
}

// Pending reports whether a datagram is still awaiting acknowledgement.
func (t *TX) Pending(nodeID, sessionID uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[rxKey{nodeID, sessionID}]
	return ok
}
