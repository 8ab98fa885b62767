package encap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// fakeNodes implements NodeInfo with fixed tables.
type fakeNodes struct {
	scheme      map[uint8]SecurityScheme
	crc16       map[uint8]bool
	supervision map[uint8]bool
}

func (f *fakeNodes) SecurityScheme(nodeID uint8) SecurityScheme { return f.scheme[nodeID] }
func (f *fakeNodes) SupportsCRC16(nodeID uint8) bool            { return f.crc16[nodeID] }
func (f *fakeNodes) SupportsSupervision(nodeID uint8, class cc.CommandClass) bool {
	return f.supervision[nodeID]
}

// xorCodec is a stand-in security codec that XORs the inner bytes.
type xorCodec struct {
	class   cc.CommandClass
	command uint8
}

func (x *xorCodec) Flag() cc.EncapFlags { return cc.EncapSecurity }

func (x *xorCodec) Matches(c *cc.Command) bool {
	return c.Class == x.class && c.Command == x.command
}

func (x *xorCodec) Wrap(c *cc.Command) (*cc.Command, error) {
	raw := c.Bytes()
	for i := range raw {
		raw[i] ^= 0x55
	}
	out := cc.New(c.NodeID, x.class, x.command, raw)
	out.Endpoint = c.Endpoint
	return out, nil
}

func (x *xorCodec) Unwrap(c *cc.Command) (*cc.Command, error) {
	raw := make([]byte, len(c.Payload))
	for i, b := range c.Payload {
		raw[i] = b ^ 0x55
	}
	inner, err := cc.Parse(c.NodeID, raw)
	if err != nil {
		return nil, err
	}
	inner.Endpoint = c.Endpoint
	return inner, nil
}

func newTestPipeline(nodes *fakeNodes) *Pipeline {
	s0 := &xorCodec{class: cc.ClassSecurity, command: cc.SecurityMessageEncap}
	s2 := &xorCodec{class: cc.ClassSecurity2, command: cc.Security2MessageEncap}
	return NewPipeline(nodes, s0, s2)
}

func TestWrapPlainCommand(t *testing.T) {
	p := newTestPipeline(&fakeNodes{})
	in := cc.New(5, cc.ClassBasic, cc.BasicGet, nil)

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Zero(t, out.Flags)
}

func TestWrapSupervisionForSet(t *testing.T) {
	p := newTestPipeline(&fakeNodes{supervision: map[uint8]bool{5: true}})
	in := cc.New(5, cc.ClassBasic, cc.BasicSet, []byte{0xFF})

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassSupervision, out.Class)
	assert.True(t, out.Flags.Has(cc.EncapSupervision))
	assert.Same(t, in, out.Innermost())

	// GETs stay unwrapped even when the node supports supervision.
	get, err := p.Wrap(cc.New(5, cc.ClassBasic, cc.BasicGet, nil), WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassBasic, get.Class)
}

func TestWrapMultiChannel(t *testing.T) {
	p := newTestPipeline(&fakeNodes{})
	in := cc.New(5, cc.ClassBasic, cc.BasicGet, nil)
	in.Endpoint = 2

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassMultiChannel, out.Class)
	assert.True(t, out.Flags.Has(cc.EncapMultiChannel))
}

func TestWrapCRC16(t *testing.T) {
	p := newTestPipeline(&fakeNodes{crc16: map[uint8]bool{5: true}})
	in := cc.New(5, cc.ClassBasic, cc.BasicGet, nil)

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassCRC16, out.Class)
	assert.True(t, out.Flags.Has(cc.EncapCRC16))
}

func TestWrapSecurityBeatsCRC16(t *testing.T) {
	p := newTestPipeline(&fakeNodes{
		scheme: map[uint8]SecurityScheme{5: SchemeS2},
		crc16:  map[uint8]bool{5: true},
	})
	in := cc.New(5, cc.ClassBasic, cc.BasicGet, nil)

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassSecurity2, out.Class)
	assert.True(t, out.Flags.Has(cc.EncapSecurity))
	assert.False(t, out.Flags.Has(cc.EncapCRC16))
}

func TestWrapS0(t *testing.T) {
	p := newTestPipeline(&fakeNodes{scheme: map[uint8]SecurityScheme{7: SchemeS0}})
	in := cc.New(7, cc.ClassBasic, cc.BasicSet, []byte{0x00})

	out, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassSecurity, out.Class)
}

func TestWrapSecurityWithoutCodec(t *testing.T) {
	p := NewPipeline(&fakeNodes{scheme: map[uint8]SecurityScheme{5: SchemeS2}}, nil, nil)
	_, err := p.Wrap(cc.New(5, cc.ClassBasic, cc.BasicGet, nil), WrapOptions{})
	assert.ErrorIs(t, err, ErrNoCodec)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	nodes := &fakeNodes{
		scheme:      map[uint8]SecurityScheme{5: SchemeS2},
		supervision: map[uint8]bool{5: true},
	}
	p := newTestPipeline(nodes)

	in := cc.New(5, cc.ClassBasic, cc.BasicSet, []byte{0x63})
	in.Endpoint = 3

	wrapped, err := p.Wrap(in, WrapOptions{})
	require.NoError(t, err)
	assert.Equal(t, cc.ClassSecurity2, wrapped.Class)

	// Simulate reception: parse the outer bytes fresh.
	rx, err := cc.Parse(5, wrapped.Bytes())
	require.NoError(t, err)

	leaf, err := p.Unwrap(rx)
	require.NoError(t, err)
	assert.Equal(t, cc.ClassBasic, leaf.Class)
	assert.Equal(t, cc.BasicSet, leaf.Command)
	assert.Equal(t, []byte{0x63}, leaf.Payload)
	assert.True(t, leaf.Flags.Has(cc.EncapSecurity))
	assert.True(t, leaf.Flags.Has(cc.EncapSupervision))
	assert.True(t, leaf.Flags.Has(cc.EncapMultiChannel))
}

func TestUnwrapCRC16(t *testing.T) {
	p := newTestPipeline(&fakeNodes{})
	outer := cc.EncodeCRC16Encap(4, []byte{0x20, 0x03, 0x42})

	leaf, err := p.Unwrap(outer)
	require.NoError(t, err)
	assert.Equal(t, cc.ClassBasic, leaf.Class)
	assert.Equal(t, cc.BasicReport, leaf.Command)
	assert.True(t, leaf.Flags.Has(cc.EncapCRC16))
}

func TestUnwrapMultiChannelSetsEndpoint(t *testing.T) {
	p := newTestPipeline(&fakeNodes{})
	outer := cc.EncodeMultiChannelEncap(4, 2, 0, []byte{0x20, 0x03, 0x42})

	leaf, err := p.Unwrap(outer)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), leaf.Endpoint)
}

func TestUnwrapMultiCommandRejected(t *testing.T) {
	p := newTestPipeline(&fakeNodes{})
	outer := cc.New(4, cc.ClassMultiCommand, cc.MultiCommandEncap, []byte{0x02, 0x03, 0x20, 0x03, 0x42})

	_, err := p.Unwrap(outer)
	assert.ErrorIs(t, err, ErrMultiCommand)
}

func TestUnwrapSecurityWithoutCodec(t *testing.T) {
	p := NewPipeline(&fakeNodes{}, nil, nil)
	outer := cc.New(4, cc.ClassSecurity2, cc.Security2MessageEncap, []byte{0x01, 0x02})

	_, err := p.Unwrap(outer)
	assert.ErrorIs(t, err, ErrNoCodec)
}
