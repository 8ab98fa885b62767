package transportservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwave-host/zwgo/pkg/cc"
)

func testDatagram(n int) []byte {
	d := make([]byte, n)
	for i := range d {
		d[i] = byte(i * 7)
	}
	return d
}

// outputs helpers
func findDatagram(t *testing.T, outs []Output) []byte {
	t.Helper()
	for _, o := range outs {
		if o.Kind == OutputDatagram {
			return o.Datagram
		}
	}
	return nil
}

func findSend(outs []Output) *cc.Command {
	for _, o := range outs {
		if o.Kind == OutputSend {
			return o.Command
		}
	}
	return nil
}

func hasKind(outs []Output, kind OutputKind) bool {
	for _, o := range outs {
		if o.Kind == kind {
			return true
		}
	}
	return false
}

func TestSegmentCodecRoundTrip(t *testing.T) {
	first, err := EncodeFirstSegment(5, 3, 300, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.True(t, Matches(first))

	seg, err := ParseSegment(first)
	require.NoError(t, err)
	assert.Equal(t, KindFirst, seg.Kind)
	assert.Equal(t, uint8(3), seg.SessionID)
	assert.Equal(t, 300, seg.DatagramSize)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, seg.Data)

	sub, err := EncodeSubsequentSegment(5, 3, 300, 260, []byte{0x04, 0x05})
	require.NoError(t, err)
	seg, err = ParseSegment(sub)
	require.NoError(t, err)
	assert.Equal(t, KindSubsequent, seg.Kind)
	assert.Equal(t, 260, seg.Offset)
	assert.Equal(t, 300, seg.DatagramSize)
	assert.Equal(t, []byte{0x04, 0x05}, seg.Data)

	seg, err = ParseSegment(EncodeSegmentComplete(5, 3))
	require.NoError(t, err)
	assert.Equal(t, KindComplete, seg.Kind)
	assert.Equal(t, uint8(3), seg.SessionID)

	seg, err = ParseSegment(EncodeSegmentRequest(5, 3, 520))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, seg.Kind)
	assert.Equal(t, 520, seg.Offset)

	seg, err = ParseSegment(EncodeSegmentWait(5, 2))
	require.NoError(t, err)
	assert.Equal(t, KindWait, seg.Kind)
	assert.Equal(t, 2, seg.Pending)
}

func TestSegmentChecksumRejected(t *testing.T) {
	first, err := EncodeFirstSegment(5, 1, 100, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	first.Payload[2] ^= 0x01
	_, err = ParseSegment(first)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestSegmentLimits(t *testing.T) {
	_, err := EncodeFirstSegment(5, 1, MaxDatagramSize+1, nil)
	assert.ErrorIs(t, err, ErrDatagramSize)
	_, err = EncodeFirstSegment(5, MaxSessionID+1, 10, nil)
	assert.ErrorIs(t, err, ErrSessionID)
	_, err = Fragment(5, 1, testDatagram(10), 0)
	assert.ErrorIs(t, err, ErrFragmentSize)
}

func feed(t *testing.T, rx *RX, c *cc.Command) []Output {
	t.Helper()
	seg, err := ParseSegment(c)
	require.NoError(t, err)
	outs, err := rx.Handle(seg)
	require.NoError(t, err)
	return outs
}

func TestReassemblyInOrder(t *testing.T) {
	datagram := testDatagram(100)
	segments, err := Fragment(7, 2, datagram, 39)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	rx := NewRX()
	outs := feed(t, rx, segments[0])
	assert.True(t, hasKind(outs, OutputStartTimer))
	assert.Equal(t, StateReceiving, rx.State(7, 2))

	feed(t, rx, segments[1])

	outs = feed(t, rx, segments[2])
	assert.Equal(t, datagram, findDatagram(t, outs))
	assert.True(t, hasKind(outs, OutputStopTimer))
	ack := findSend(outs)
	require.NotNil(t, ack)
	assert.Equal(t, cc.TransportServiceSegmentComplete, ack.Command&cc.TransportServiceCmdMask)
	assert.Equal(t, StateComplete, rx.State(7, 2))
}

func TestReassemblySingleSegment(t *testing.T) {
	datagram := testDatagram(20)
	segments, err := Fragment(7, 0, datagram, 39)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	rx := NewRX()
	outs := feed(t, rx, segments[0])
	assert.Equal(t, datagram, findDatagram(t, outs))
}

func TestReassemblyMissingSegment(t *testing.T) {
	datagram := testDatagram(100)
	tx := NewTX()
	segments, err := tx.Send(7, datagram, 39)
	require.NoError(t, err)
	require.Len(t, segments, 3)

	rx := NewRX()
	feed(t, rx, segments[0])
	// Segment at offset 39 is lost.
	feed(t, rx, segments[2])
	assert.Equal(t, StateAwaitingGap, rx.State(7, 0))

	outs, err := rx.HandleTimeout(7, 0)
	require.NoError(t, err)
	req := findSend(outs)
	require.NotNil(t, req)
	seg, err := ParseSegment(req)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, seg.Kind)
	assert.Equal(t, 39, seg.Offset)

	resent, err := tx.HandleRequest(seg)
	require.NoError(t, err)
	outs = feed(t, rx, resent)
	assert.Equal(t, datagram, findDatagram(t, outs))
}

func TestReassemblyMissedFirstSegment(t *testing.T) {
	datagram := testDatagram(60)
	segments, err := Fragment(7, 4, datagram, 39)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	rx := NewRX()
	seg, err := ParseSegment(segments[1])
	require.NoError(t, err)
	outs, err := rx.Handle(seg)
	require.NoError(t, err)
	req := findSend(outs)
	require.NotNil(t, req)
	parsed, err := ParseSegment(req)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, parsed.Kind)
	assert.Equal(t, 0, parsed.Offset)
	assert.Equal(t, StateAwaitingGap, rx.State(7, 4))

	outs = feed(t, rx, segments[0])
	assert.Equal(t, datagram, findDatagram(t, outs))
}

func TestReassemblyNewFirstReinitialises(t *testing.T) {
	rx := NewRX()

	d1 := testDatagram(20)
	seg1, err := Fragment(7, 1, d1, 39)
	require.NoError(t, err)
	outs := feed(t, rx, seg1[0])
	assert.Equal(t, d1, findDatagram(t, outs))
	assert.Equal(t, StateComplete, rx.State(7, 1))

	d2 := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	seg2, err := Fragment(7, 1, d2, 39)
	require.NoError(t, err)
	outs = feed(t, rx, seg2[0])
	assert.Equal(t, d2, findDatagram(t, outs))
}

func TestReassemblyGivesUp(t *testing.T) {
	datagram := testDatagram(100)
	segments, err := Fragment(7, 2, datagram, 39)
	require.NoError(t, err)

	rx := NewRX()
	feed(t, rx, segments[0])

	for i := 0; i < maxSegmentRequests; i++ {
		outs, err := rx.HandleTimeout(7, 2)
		require.NoError(t, err)
		assert.NotNil(t, findSend(outs))
	}
	_, err = rx.HandleTimeout(7, 2)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Equal(t, StateInitial, rx.State(7, 2))
}

func TestTXSessions(t *testing.T) {
	tx := NewTX()

	s1, err := tx.Send(7, testDatagram(50), 0)
	require.NoError(t, err)
	s2, err := tx.Send(7, testDatagram(50), 0)
	require.NoError(t, err)

	p1, err := ParseSegment(s1[0])
	require.NoError(t, err)
	p2, err := ParseSegment(s2[0])
	require.NoError(t, err)
	assert.NotEqual(t, p1.SessionID, p2.SessionID)
	assert.True(t, tx.Pending(7, p1.SessionID))

	complete, err := ParseSegment(EncodeSegmentComplete(7, p1.SessionID))
	require.NoError(t, err)
	tx.HandleComplete(complete)
	assert.False(t, tx.Pending(7, p1.SessionID))

	_, err = tx.HandleRequest(&Segment{NodeID: 9, SessionID: 0, Kind: KindRequest})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRXRejectsControlSegments(t *testing.T) {
	rx := NewRX()
	seg, err := ParseSegment(EncodeSegmentWait(7, 1))
	require.NoError(t, err)
	_, err = rx.Handle(seg)
	assert.ErrorIs(t, err, ErrBadSegment)
}
