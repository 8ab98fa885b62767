package cc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndBytes(t *testing.T) {
	raw := []byte{0x20, 0x01, 0xFF}
	c, err := Parse(5, raw)
	require.NoError(t, err)
	assert.Equal(t, ClassBasic, c.Class)
	assert.Equal(t, BasicSet, c.Command)
	assert.Equal(t, uint8(5), c.NodeID)
	assert.Equal(t, []byte{0xFF}, c.Payload)
	assert.Equal(t, raw, c.Bytes())
}

func TestParseNoOperation(t *testing.T) {
	c, err := Parse(9, []byte{0x00})
	require.NoError(t, err)
	assert.True(t, IsPing(c))
	assert.Equal(t, []byte{0x00}, c.Bytes())
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(1, []byte{0x20})
	assert.ErrorIs(t, err, ErrTooShort)
	_, err = Parse(1, nil)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestEncapFlags(t *testing.T) {
	f := EncapSecurity | EncapMultiChannel
	assert.True(t, f.Has(EncapSecurity))
	assert.False(t, f.Has(EncapCRC16))
	assert.Equal(t, "security|multichannel", f.String())
	assert.Equal(t, "none", EncapFlags(0).String())
}

func TestInnermost(t *testing.T) {
	leaf := New(3, ClassBasic, BasicGet, nil)
	mid := New(3, ClassMultiChannel, MultiChannelCmdEncap, nil)
	mid.Inner = leaf
	outer := New(3, ClassSupervision, SupervisionGet, nil)
	outer.Inner = mid

	assert.Same(t, leaf, outer.Innermost())
	assert.True(t, outer.IsEncapsulating())
	assert.False(t, leaf.IsEncapsulating())
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()

	var handled *Command
	r.Register(ClassBasic, BasicReport,
		func(c *Command) error {
			if len(c.Payload) < 1 {
				return errors.New("missing value")
			}
			return nil
		},
		func(c *Command) error {
			handled = c
			return nil
		})

	assert.True(t, r.Supported(ClassBasic, BasicReport))
	assert.False(t, r.Supported(ClassBasic, BasicSet))

	c := New(4, ClassBasic, BasicReport, []byte{0x63})
	require.NoError(t, r.Dispatch(c))
	assert.Same(t, c, handled)

	err := r.Dispatch(New(4, ClassBasic, BasicReport, nil))
	assert.ErrorIs(t, err, ErrValidation)

	err = r.Dispatch(New(4, ClassBasic, BasicSet, []byte{0x00}))
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestSupervisionGetRoundTrip(t *testing.T) {
	inner := []byte{0x20, 0x01, 0xFF}
	c := EncodeSupervisionGet(7, 0x15, true, inner)

	got, err := DecodeSupervisionGet(c)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x15), got.SessionID)
	assert.True(t, got.StatusUpdates)
	assert.Equal(t, inner, got.EncapsulatedCC)
}

func TestSupervisionReportRoundTrip(t *testing.T) {
	c := EncodeSupervisionReport(7, 0x21, true, SupervisionWorking, 10*time.Second)

	got, err := DecodeSupervisionReport(c)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x21), got.SessionID)
	assert.True(t, got.MoreUpdatesFollow)
	assert.Equal(t, SupervisionWorking, got.Status)
	assert.Equal(t, 10*time.Second, got.Duration)
}

func TestDurationByte(t *testing.T) {
	assert.Equal(t, uint8(0), encodeDuration(0))
	assert.Equal(t, uint8(127), encodeDuration(127*time.Second))
	assert.Equal(t, uint8(0x80|3), encodeDuration(180*time.Second))
	assert.Equal(t, 45*time.Second, decodeDuration(45))
	assert.Equal(t, 5*time.Minute, decodeDuration(0x80|5))
}

func TestSessionCounterWraps(t *testing.T) {
	var s SessionCounter
	seen := make(map[uint8]bool)
	for i := 0; i < 128; i++ {
		id := s.Next()
		assert.LessOrEqual(t, id, uint8(0x3F))
		seen[id] = true
	}
	assert.Len(t, seen, 64)
}

func TestMultiChannelEncapRoundTrip(t *testing.T) {
	inner := []byte{0x25, 0x02}
	c := EncodeMultiChannelEncap(9, 0, 3, inner)
	assert.Equal(t, uint8(3), c.Endpoint)

	got, err := DecodeMultiChannelEncap(c)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), got.SourceEndpoint)
	assert.Equal(t, uint8(3), got.DestEndpoint)
	assert.False(t, got.BitAddress)
	assert.Equal(t, inner, got.EncapsulatedCC)
}

func TestCRC16EncapRoundTrip(t *testing.T) {
	inner := []byte{0x20, 0x03, 0x63}
	c := EncodeCRC16Encap(2, inner)

	got, err := DecodeCRC16Encap(c)
	require.NoError(t, err)
	assert.Equal(t, inner, got)
}

func TestCRC16EncapBadChecksum(t *testing.T) {
	c := EncodeCRC16Encap(2, []byte{0x20, 0x03, 0x63})
	c.Payload[len(c.Payload)-1] ^= 0xFF

	_, err := DecodeCRC16Encap(c)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/AUG-CCITT of "123456789".
	assert.Equal(t, uint16(0xE5CC), crc16CCITT([]byte("123456789")))
}

func TestPartialAssembler(t *testing.T) {
	a := NewPartialAssembler()
	a.RegisterMerger(ClassVersion, VersionCCReport, func(parts []*Command) (*Command, error) {
		merged := New(parts[0].NodeID, ClassVersion, VersionCCReport, nil)
		for _, p := range parts {
			merged.Payload = append(merged.Payload, p.Payload...)
		}
		return merged, nil
	})

	first := New(6, ClassVersion, VersionCCReport, []byte{0x01})
	out, err := a.Add(first, 1, false)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, a.PendingCount())

	final := New(6, ClassVersion, VersionCCReport, []byte{0x02})
	out, err = a.Add(final, 1, true)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []byte{0x01, 0x02}, out.Payload)
	assert.Zero(t, a.PendingCount())
}

func TestPartialAssemblerMergeFailureDrops(t *testing.T) {
	a := NewPartialAssembler()
	a.RegisterMerger(ClassVersion, VersionCCReport, func(parts []*Command) (*Command, error) {
		return nil, fmt.Errorf("inconsistent parts")
	})

	_, err := a.Add(New(6, ClassVersion, VersionCCReport, []byte{0x01}), 2, true)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, a.PendingCount())
}

func TestPartialAssemblerDrop(t *testing.T) {
	a := NewPartialAssembler()
	a.Add(New(6, ClassVersion, VersionCCReport, []byte{0x01}), 3, false)
	a.Drop(6, ClassVersion, VersionCCReport, 3)
	assert.Zero(t, a.PendingCount())
}

func TestWakeUpIntervalReport(t *testing.T) {
	c := New(8, ClassWakeUp, WakeUpIntervalReport, []byte{0x00, 0x0E, 0x10, 0x01})
	got, err := DecodeWakeUpIntervalReport(c)
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), got.IntervalSeconds)
	assert.Equal(t, uint8(1), got.ControllerNodeID)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "Security2", ClassSecurity2.String())
	assert.Equal(t, "0xee", CommandClass(0xEE).String())
}
