package driver

import (
	"context"
	"errors"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/cc/encap"
	"github.com/zwave-host/zwgo/pkg/node"
	"github.com/zwave-host/zwgo/pkg/scheduler"
	"github.com/zwave-host/zwgo/pkg/security"
	"github.com/zwave-host/zwgo/pkg/serialapi"
	"github.com/zwave-host/zwgo/pkg/transportservice"
)

// nonceAttempts bounds the wrap/handshake loop: one handshake per
// missing-entropy error, then give up.
const nonceAttempts = 2

// SendOptions steer one outbound command or message.
type SendOptions struct {
	// Priority selects the queue band. Nil selects PriorityNormal.
	Priority *scheduler.Priority

	// Tag marks the transaction for reducers.
	Tag string

	// ExpiresIn rejects the transaction if it is still queued after the
	// duration. Zero means no expiry.
	ExpiresIn time.Duration

	// RequestSupervision forces a Supervision wrapper on SET-type
	// commands even when the node support table does not call for one.
	RequestSupervision bool

	// SupervisionStatusUpdates requests intermediate Supervision reports.
	SupervisionStatusUpdates bool

	// OnSupervisionUpdate receives the session's reports when the command
	// goes out supervised.
	OnSupervisionUpdate node.SupervisionCallback

	// TransmitOptions override the radio options. Zero selects the
	// defaults.
	TransmitOptions uint8

	// ChangeNodeStatusOnTimeout re-evaluates the node power state when
	// the send fails with a node timeout.
	ChangeNodeStatusOnTimeout bool
}

func (o SendOptions) priority() scheduler.Priority {
	if o.Priority != nil {
		return *o.Priority
	}
	return scheduler.PriorityNormal
}

func (o SendOptions) txOptions() uint8 {
	if o.TransmitOptions != 0 {
		return o.TransmitOptions
	}
	return serialapi.DefaultTransmitOptions
}

// Pri is a convenience for filling SendOptions.Priority.
func Pri(p scheduler.Priority) *scheduler.Priority { return &p }

func (d *Driver) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.lifecycle {
	case LifecycleReady:
		return nil
	case LifecycleDestroyed:
		return ErrDestroyed
	default:
		return ErrNotReady
	}
}

// SendMessage enqueues a raw Serial API message and waits for its
// result.
func (d *Driver) SendMessage(ctx context.Context, msg *serialapi.Message, opts SendOptions) (*serialapi.Message, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	t := scheduler.New(opts.priority(), msg)
	t.NodeID = msg.NodeID
	t.Tag = opts.Tag
	t.ChangeNodeStatusOnTimeout = opts.ChangeNodeStatusOnTimeout
	if opts.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().Add(opts.ExpiresIn)
	}
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	return t.Await(ctx)
}

// SendCommand wraps a command through the encapsulation pipeline and
// sends it, fragmenting over Transport Service when the wrapped form
// exceeds one frame. Missing security entropy is fetched with a nonce
// handshake and the wrap retried.
func (d *Driver) SendCommand(ctx context.Context, c *cc.Command, opts SendOptions) error {
	if err := d.ready(); err != nil {
		return err
	}

	wrapped, err := d.wrapCommand(ctx, c, opts)
	if err != nil {
		return err
	}
	d.registerSupervision(wrapped, opts)

	t, err := d.commandTransaction(wrapped, opts)
	if err != nil {
		return err
	}
	if err := d.sched.Enqueue(t); err != nil {
		return err
	}
	_, err = t.Await(ctx)
	return err
}

// SendCommandForReply sends a command and waits for the matching inbound
// command, typically a GET waiting for its report.
func (d *Driver) SendCommandForReply(ctx context.Context, c *cc.Command, match CommandPredicate, opts SendOptions) (*cc.Command, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	w := d.awaiters.addCommand(match, 0)
	if err := d.SendCommand(ctx, c, opts); err != nil {
		d.awaiters.removeCommand(w)
		return nil, err
	}
	reply, err := awaitCommand(ctx, w, d.opts.Timeouts.Report.Std())
	if err != nil {
		d.awaiters.removeCommand(w)
		return nil, err
	}
	return reply, nil
}

// WaitForMessage blocks until an inbound message matches pred.
func (d *Driver) WaitForMessage(ctx context.Context, pred MessagePredicate, timeout time.Duration) (*serialapi.Message, error) {
	w := d.awaiters.addMessage(pred, 0)
	m, err := awaitMessage(ctx, w, timeout)
	if err != nil {
		d.awaiters.removeMessage(w)
	}
	return m, err
}

// WaitForCommand blocks until an inbound command matches pred.
func (d *Driver) WaitForCommand(ctx context.Context, pred CommandPredicate, timeout time.Duration) (*cc.Command, error) {
	w := d.awaiters.addCommand(pred, 0)
	c, err := awaitCommand(ctx, w, timeout)
	if err != nil {
		d.awaiters.removeCommand(w)
	}
	return c, err
}

// Ping probes a node with a No Operation. Pings skip the encapsulation
// pipeline so a dead security session cannot mask a live node.
func (d *Driver) Ping(ctx context.Context, nodeID uint8) error {
	if err := d.ready(); err != nil {
		return err
	}
	ping := cc.EncodePing(nodeID)
	msg := serialapi.EncodeSendData(nodeID, ping.Bytes(), serialapi.DefaultTransmitOptions, d.callbacks.Next())
	t := scheduler.New(scheduler.PriorityPing, msg)
	t.NodeID = nodeID
	t.Tag = node.TagPing
	t.ChangeNodeStatusOnTimeout = true
	if err := d.sched.Enqueue(t); err != nil {
		return err
	}
	_, err := t.Await(ctx)
	return err
}

// RemoveNode drops a node: queued transactions settle with
// ErrNodeRemoved; supervision sessions, the sleep timer, pending nonce
// handshakes and the S2 SPAN are purged, and storage records the node as
// REMOVED. S0 nonces cached for the node are not cleared and lapse with
// their lifetime.
func (d *Driver) RemoveNode(nodeID uint8) {
	d.sched.Reduce(node.RemovalReducer(nodeID, ErrNodeRemoved))
	d.supervision.Purge(nodeID)
	d.sleep.Cancel(nodeID)
	d.nodes.Remove(nodeID)

	d.mu.Lock()
	delete(d.noncePending, nodeID)
	delete(d.s2Failures, nodeID)
	s2 := d.s2
	d.mu.Unlock()
	if s2 != nil {
		s2.ResetSPAN(nodeID)
	}
	if store := d.getStore(); store != nil {
		store.RecordNodeStatus(nodeID, "REMOVED")
	}
}

// wrapCommand runs the pipeline, performing nonce handshakes when the
// security layer lacks receiver entropy.
func (d *Driver) wrapCommand(ctx context.Context, c *cc.Command, opts SendOptions) (*cc.Command, error) {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if pipeline == nil {
		return c, nil
	}

	wrapOpts := encap.WrapOptions{
		RequestSupervision:       opts.RequestSupervision,
		SupervisionStatusUpdates: opts.SupervisionStatusUpdates,
	}

	var lastErr error
	for attempt := 0; attempt < nonceAttempts; attempt++ {
		wrapped, err := pipeline.Wrap(c, wrapOpts)
		if err == nil {
			return wrapped, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, security.ErrNonceRequired):
			if herr := d.s0Handshake(ctx, c.NodeID); herr != nil {
				return nil, herr
			}
		case errors.Is(err, security.ErrNoSPAN):
			if herr := d.s2Handshake(ctx, c.NodeID); herr != nil {
				return nil, herr
			}
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// s0Handshake fetches a fresh receiver nonce: Nonce Get out, Nonce
// Report back in. The report is stored by the dispatcher before the
// awaiter fires.
func (d *Driver) s0Handshake(ctx context.Context, nodeID uint8) error {
	d.mu.Lock()
	s0 := d.s0
	d.mu.Unlock()
	if s0 == nil {
		return security.ErrNonceRequired
	}

	w := d.awaiters.addCommand(func(rc *cc.Command) bool {
		return rc.NodeID == nodeID && rc.Class == cc.ClassSecurity && rc.Command == cc.SecurityNonceReport
	}, 0)

	t := d.enqueueCommand(s0.NonceGet(nodeID), scheduler.PriorityPreTransmitHandshake, node.TagNonce)
	if t == nil {
		d.awaiters.removeCommand(w)
		return ErrFailed
	}
	if _, err := awaitCommand(ctx, w, d.opts.Timeouts.Nonce.Std()); err != nil {
		d.awaiters.removeCommand(w)
		return err
	}
	return nil
}

// s2Handshake re-synchronizes the singlecast nonce state: Nonce Get
// out, the peer's Nonce Report instantiates a fresh SPAN.
func (d *Driver) s2Handshake(ctx context.Context, nodeID uint8) error {
	d.mu.Lock()
	s2 := d.s2
	d.mu.Unlock()
	if s2 == nil {
		return security.ErrNoSPAN
	}

	w := d.awaiters.addCommand(func(rc *cc.Command) bool {
		return rc.NodeID == nodeID && rc.Class == cc.ClassSecurity2 && rc.Command == cc.Security2NonceReport
	}, 0)

	t := d.enqueueCommand(s2.NonceGet(nodeID), scheduler.PriorityPreTransmitHandshake, node.TagNonce)
	if t == nil {
		d.awaiters.removeCommand(w)
		return ErrFailed
	}
	if _, err := awaitCommand(ctx, w, d.opts.Timeouts.Nonce.Std()); err != nil {
		d.awaiters.removeCommand(w)
		return err
	}
	return nil
}

// registerSupervision hooks the caller's update callback to the session
// id the pipeline assigned.
func (d *Driver) registerSupervision(wrapped *cc.Command, opts SendOptions) {
	if opts.OnSupervisionUpdate == nil || !wrapped.Flags.Has(cc.EncapSupervision) {
		return
	}
	for cur := wrapped; cur != nil; cur = cur.Inner {
		if cur.Class != cc.ClassSupervision || cur.Command != cc.SupervisionGet {
			continue
		}
		sup, err := cc.DecodeSupervisionGet(cur)
		if err != nil {
			return
		}
		d.supervision.Register(wrapped.NodeID, sup.SessionID, opts.OnSupervisionUpdate)
		return
	}
}

// commandTransaction builds the scheduler transaction for a wrapped
// command, fragmenting over Transport Service when it will not fit a
// single frame.
func (d *Driver) commandTransaction(wrapped *cc.Command, opts SendOptions) (*scheduler.Transaction, error) {
	data := wrapped.Bytes()
	nodeID := wrapped.NodeID

	var t *scheduler.Transaction
	if len(data) > transportservice.DefaultFragmentSize {
		segments, err := d.tsTX.Send(nodeID, data, transportservice.DefaultFragmentSize)
		if err != nil {
			return nil, err
		}
		i := 0
		t = scheduler.NewMultiStep(opts.priority(), func(prev *serialapi.Message) (*serialapi.Message, bool) {
			if i >= len(segments) {
				return nil, true
			}
			seg := segments[i]
			i++
			return serialapi.EncodeSendData(nodeID, seg.Bytes(), opts.txOptions(), d.callbacks.Next()), false
		})
	} else {
		msg := serialapi.EncodeSendData(nodeID, data, opts.txOptions(), d.callbacks.Next())
		t = scheduler.New(opts.priority(), msg)
	}

	t.NodeID = nodeID
	t.Tag = opts.Tag
	t.ChangeNodeStatusOnTimeout = opts.ChangeNodeStatusOnTimeout
	if opts.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().Add(opts.ExpiresIn)
	}
	return t, nil
}

// enqueueCommand sends an already-encoded command without pipeline
// processing. Internal traffic such as nonce reports and segment
// control must not be re-encapsulated.
func (d *Driver) enqueueCommand(c *cc.Command, priority scheduler.Priority, tag string) *scheduler.Transaction {
	msg := serialapi.EncodeSendData(c.NodeID, c.Bytes(), serialapi.DefaultTransmitOptions, d.callbacks.Next())
	t := scheduler.New(priority, msg)
	t.NodeID = c.NodeID
	t.Tag = tag
	if err := d.sched.Enqueue(t); err != nil {
		d.logError(c.NodeID, err)
		return nil
	}
	return t
}
