package encap

import (
	"fmt"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/log"
)

// WrapOptions steer one outbound wrap.
type WrapOptions struct {
	// RequestSupervision forces a Supervision wrapper even when the node
	// support table does not call for one.
	RequestSupervision bool

	// SupervisionStatusUpdates requests intermediate Supervision reports.
	SupervisionStatusUpdates bool
}

// Pipeline applies encapsulation layers in the fixed outbound order and
// peels them inbound outermost first.
type Pipeline struct {
	nodes    NodeInfo
	s0       Codec
	s2       Codec
	sessions *cc.SessionCounter

	logger    log.Logger
	sessionID string
}

// NewPipeline creates a pipeline. s0 and s2 may be nil when no keys are
// configured; security wrapping is skipped for nodes without a scheme.
func NewPipeline(nodes NodeInfo, s0, s2 Codec) *Pipeline {
	return &Pipeline{
		nodes:    nodes,
		s0:       s0,
		s2:       s2,
		sessions: &cc.SessionCounter{},
		logger:   log.NoopLogger{},
	}
}

// SetLogger configures logging. Pass nil to disable.
func (p *Pipeline) SetLogger(logger log.Logger, sessionID string) {
	p.logger = log.OrNoop(logger)
	p.sessionID = sessionID
}

// setType command ids that Supervision applies to. Supervision wraps
// SET-type commands only; GETs expect their own report.
func isSetType(c *cc.Command) bool {
	switch c.Class {
	case cc.ClassBasic:
		return c.Command == cc.BasicSet
	case cc.ClassWakeUp:
		return c.Command == cc.WakeUpIntervalSet || c.Command == cc.WakeUpNoMoreInformation
	}
	// Odd command ids are SETs for the bulk of the application classes.
	return c.Command&0x01 == 1 && c.Command != 0x03
}

// Wrap applies the outbound encapsulation order: Supervision, Multi
// Channel, then CRC-16 or Security. The returned command carries the
// flags of every layer applied.
func (p *Pipeline) Wrap(c *cc.Command, opts WrapOptions) (*cc.Command, error) {
	out := c
	flags := c.Flags

	if p.wantSupervision(out, opts) {
		session := p.sessions.Next()
		wrapped := cc.EncodeSupervisionGet(out.NodeID, session, opts.SupervisionStatusUpdates, out.Bytes())
		wrapped.Endpoint = out.Endpoint
		wrapped.Inner = out
		out = wrapped
		flags |= cc.EncapSupervision
	}

	if out.Endpoint > 0 {
		wrapped := cc.EncodeMultiChannelEncap(out.NodeID, 0, out.Endpoint, out.Bytes())
		wrapped.Inner = out
		out = wrapped
		flags |= cc.EncapMultiChannel
	}

	// CRC-16 and Security never stack; Security wins when assigned.
	switch p.nodes.SecurityScheme(out.NodeID) {
	case SchemeS2:
		if p.s2 == nil {
			return nil, fmt.Errorf("%w: s2 for node %d", ErrNoCodec, out.NodeID)
		}
		wrapped, err := p.s2.Wrap(out)
		if err != nil {
			return nil, err
		}
		wrapped.Inner = out
		out = wrapped
		flags |= cc.EncapSecurity

	case SchemeS0:
		if p.s0 == nil {
			return nil, fmt.Errorf("%w: s0 for node %d", ErrNoCodec, out.NodeID)
		}
		wrapped, err := p.s0.Wrap(out)
		if err != nil {
			return nil, err
		}
		wrapped.Inner = out
		out = wrapped
		flags |= cc.EncapSecurity

	default:
		if p.nodes.SupportsCRC16(out.NodeID) && !cc.IsPing(out) {
			wrapped := cc.EncodeCRC16Encap(out.NodeID, out.Bytes())
			wrapped.Inner = out
			out = wrapped
			flags |= cc.EncapCRC16
		}
	}

	out.Flags = flags
	return out, nil
}

func (p *Pipeline) wantSupervision(c *cc.Command, opts WrapOptions) bool {
	if c.Class == cc.ClassSupervision || cc.IsPing(c) {
		return false
	}
	if !isSetType(c) {
		return false
	}
	return opts.RequestSupervision || p.nodes.SupportsSupervision(c.NodeID, c.Class)
}

// Unwrap peels encapsulation layers outermost first, OR-ing the matching
// flag into each inner command. The returned command is the innermost,
// with the full wrapper chain reachable through its parents' Inner links.
func (p *Pipeline) Unwrap(c *cc.Command) (*cc.Command, error) {
	cur := c
	flags := c.Flags

	for {
		switch {
		case cur.Class == cc.ClassMultiCommand && cur.Command == cc.MultiCommandEncap:
			p.logRejected(cur)
			return nil, fmt.Errorf("%w: node %d", ErrMultiCommand, cur.NodeID)

		case cur.Class == cc.ClassSupervision && cur.Command == cc.SupervisionGet:
			sup, err := cc.DecodeSupervisionGet(cur)
			if err != nil {
				return nil, err
			}
			inner, err := cc.Parse(cur.NodeID, sup.EncapsulatedCC)
			if err != nil {
				return nil, err
			}
			inner.Endpoint = cur.Endpoint
			flags |= cc.EncapSupervision
			cur.Inner = inner
			cur = inner

		case cur.Class == cc.ClassMultiChannel && cur.Command == cc.MultiChannelCmdEncap:
			mc, err := cc.DecodeMultiChannelEncap(cur)
			if err != nil {
				return nil, err
			}
			inner, err := cc.Parse(cur.NodeID, mc.EncapsulatedCC)
			if err != nil {
				return nil, err
			}
			inner.Endpoint = mc.SourceEndpoint
			flags |= cc.EncapMultiChannel
			cur.Inner = inner
			cur = inner

		case cur.Class == cc.ClassCRC16 && cur.Command == cc.CRC16Encap:
			raw, err := cc.DecodeCRC16Encap(cur)
			if err != nil {
				return nil, err
			}
			inner, err := cc.Parse(cur.NodeID, raw)
			if err != nil {
				return nil, err
			}
			inner.Endpoint = cur.Endpoint
			flags |= cc.EncapCRC16
			cur.Inner = inner
			cur = inner

		case cur.Class == cc.ClassSecurity && p.s0 != nil && p.s0.Matches(cur):
			inner, err := p.s0.Unwrap(cur)
			if err != nil {
				return nil, err
			}
			flags |= cc.EncapSecurity
			cur.Inner = inner
			cur = inner

		case cur.Class == cc.ClassSecurity2 && p.s2 != nil && p.s2.Matches(cur):
			inner, err := p.s2.Unwrap(cur)
			if err != nil {
				return nil, err
			}
			flags |= cc.EncapSecurity
			cur.Inner = inner
			cur = inner

		case (cur.Class == cc.ClassSecurity || cur.Class == cc.ClassSecurity2) && cur.IsEncapsulating():
			return nil, fmt.Errorf("%w: %s", ErrNoCodec, cur)

		default:
			cur.Flags = flags
			return cur, nil
		}
	}
}

func (p *Pipeline) logRejected(c *cc.Command) {
	p.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: p.sessionID,
		Direction: log.DirectionIn,
		Layer:     log.LayerCommandClass,
		Category:  log.CategoryError,
		NodeID:    c.NodeID,
		Error: &log.ErrorEventData{
			Layer:   log.LayerCommandClass,
			Message: "multi command encapsulation rejected",
		},
	})
}
