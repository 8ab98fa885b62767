package driver

import (
	"errors"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/frame"
	"github.com/zwave-host/zwgo/pkg/node"
	"github.com/zwave-host/zwgo/pkg/scheduler"
	"github.com/zwave-host/zwgo/pkg/security"
	"github.com/zwave-host/zwgo/pkg/serialapi"
	"github.com/zwave-host/zwgo/pkg/transportservice"
)

// readLoop pumps port bytes through the frame parser and dispatches
// completed frames. It exits when the driver is destroyed.
func (d *Driver) readLoop() {
	defer close(d.readDone)
	buf := make([]byte, 256)
	var lastByte time.Time
	for {
		select {
		case <-d.stopRead:
			return
		default:
		}

		n, err := d.port.Read(buf)
		if err != nil {
			if d.destroyed() {
				return
			}
			if err := d.port.Reopen(); err != nil {
				d.fail(err)
				return
			}
			d.parser.Reset()
			continue
		}
		// A partial frame whose next byte is overdue is dropped and NAKed.
		if d.parser.InFrame() && time.Since(lastByte) > d.opts.Timeouts.Byte.Std() {
			d.parser.Reset()
			d.writer.WriteNAK()
		}
		if n > 0 {
			lastByte = time.Now()
		}
		for _, b := range buf[:n] {
			f, err := d.parser.Parse(b)
			if err != nil {
				d.handleParseError(err)
				continue
			}
			if f != nil {
				d.handleFrame(f)
			}
		}
	}
}

func (d *Driver) handleParseError(err error) {
	if d.metrics != nil {
		d.metrics.DecodeErrors.WithLabelValues("frame").Inc()
	}
	d.logError(0, err)
	if errors.Is(err, frame.ErrChecksum) || errors.Is(err, frame.ErrInvalidLength) || errors.Is(err, frame.ErrInvalidType) {
		d.writer.WriteNAK()
	}
}

func (d *Driver) handleFrame(f *frame.Frame) {
	if d.metrics != nil {
		d.metrics.FramesIn.Inc()
	}
	switch f.Control {
	case frame.ACK:
		d.sched.HandleACK()
		return
	case frame.NAK:
		d.sched.HandleNAK()
		return
	case frame.CAN:
		d.sched.HandleCAN()
		return
	}

	// Data frames are acknowledged before dispatch.
	d.writer.WriteACK()

	m, err := serialapi.FromFrame(f)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DecodeErrors.WithLabelValues("message").Inc()
		}
		d.logError(0, err)
		return
	}
	d.handleMessage(m)
}

// handleMessage applies the three dispositions: scheduler correlation,
// pending awaiters, then unsolicited routing.
func (d *Driver) handleMessage(m *serialapi.Message) {
	if d.sched.HandleMessage(m) {
		d.countDisposition("scheduler")
		return
	}
	if d.awaiters.offerMessage(m) {
		d.countDisposition("awaiter")
		return
	}
	d.countDisposition("unsolicited")
	d.handleUnsolicited(m)
}

func (d *Driver) countDisposition(label string) {
	if d.metrics != nil {
		d.metrics.MessagesHandled.WithLabelValues(label).Inc()
	}
}

func (d *Driver) handleUnsolicited(m *serialapi.Message) {
	switch m.Function {
	case serialapi.FnApplicationCommand, serialapi.FnBridgeApplicationCommand:
		app, err := serialapi.DecodeApplicationCommand(m)
		if err != nil {
			d.logError(0, err)
			return
		}
		d.handleApplicationCommand(app)

	default:
		if !d.handlers.dispatch(m) {
			if d.metrics != nil {
				d.metrics.FramesDropped.Inc()
			}
		}
	}
}

func (d *Driver) handleApplicationCommand(app *serialapi.ApplicationCommand) {
	d.markTraffic(app.NodeID)

	c, err := cc.Parse(app.NodeID, app.Data)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DecodeErrors.WithLabelValues("cc").Inc()
		}
		d.logError(app.NodeID, err)
		return
	}

	if c.Class == cc.ClassTransportService {
		d.handleTransportSegment(c)
		return
	}

	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()

	inner := c
	if pipeline != nil {
		inner, err = pipeline.Unwrap(c)
		if err != nil {
			d.handleUnwrapError(app.NodeID, err)
			return
		}
	}

	// Secure-only classes must not be accepted in the clear.
	if !inner.Flags.Has(cc.EncapSecurity) && d.nodes.RequiresSecurity(app.NodeID, inner.Class) {
		d.logError(app.NodeID, security.ErrNoSecurity)
		if d.metrics != nil {
			d.metrics.FramesDropped.Inc()
		}
		return
	}

	d.resetS2Failures(app.NodeID)
	d.routeCommand(inner, c)
}

// routeCommand handles a fully unwrapped inbound command. outer is the
// head of the wrapper chain the command arrived in.
func (d *Driver) routeCommand(c, outer *cc.Command) {
	if store := d.getStore(); store != nil {
		store.RecordCommand(c.NodeID, c)
	}

	switch {
	case cc.IsWakeUpNotification(c):
		d.handleWakeUpNotification(c.NodeID)
		return

	case cc.IsDeviceResetNotification(c):
		d.RemoveNode(c.NodeID)
		return

	case c.Class == cc.ClassSecurity2 && c.Command == cc.Security2NonceGet:
		d.sendS2NonceReport(c.NodeID)
		return

	case c.Class == cc.ClassSecurity2 && c.Command == cc.Security2NonceReport:
		d.handleS2NonceReport(c)
		// Pending pre-transmit handshakes wait on the report.
		d.awaiters.offerCommand(c)
		return

	case c.Class == cc.ClassSecurity && c.Command == cc.SecurityNonceGet:
		d.sendS0Nonce(c.NodeID)
		return

	case c.Class == cc.ClassSecurity && c.Command == cc.SecurityNonceReport:
		d.handleS0Nonce(c)
		d.awaiters.offerCommand(c)
		return

	case c.Class == cc.ClassSupervision && c.Command == cc.SupervisionReport:
		report, err := cc.DecodeSupervisionReport(c)
		if err != nil {
			d.logError(c.NodeID, err)
			return
		}
		if d.supervision.Handle(c.NodeID, report) {
			return
		}
	}

	if d.awaiters.offerCommand(c) {
		d.replySupervision(c, outer)
		return
	}

	d.mu.Lock()
	fn := d.onCommand
	d.mu.Unlock()
	if fn != nil {
		fn(c.NodeID, c)
	}
	d.replySupervision(c, outer)
}

// replySupervision answers a supervision-wrapped inbound command so the
// sender's session settles. The chain is linked outermost first; the
// session id lives on the Supervision Get that carried the command.
func (d *Driver) replySupervision(c, outer *cc.Command) {
	if !c.Flags.Has(cc.EncapSupervision) {
		return
	}
	for outer != nil {
		if outer.Class == cc.ClassSupervision && outer.Command == cc.SupervisionGet {
			break
		}
		outer = outer.Inner
	}
	if outer == nil {
		return
	}
	sup, err := cc.DecodeSupervisionGet(outer)
	if err != nil {
		return
	}
	reply := cc.EncodeSupervisionReport(c.NodeID, sup.SessionID, false, cc.SupervisionSuccess, 0)
	d.enqueueCommand(reply, scheduler.PriorityNormal, node.TagSupervisionReport)
}

// handleUnwrapError applies the S2 decode policy: ask for fresh entropy
// once, abort a running bootstrap on repeat failure.
func (d *Driver) handleUnwrapError(nodeID uint8, err error) {
	if d.metrics != nil {
		d.metrics.DecodeErrors.WithLabelValues("security").Inc()
	}
	d.logError(nodeID, err)

	if !errors.Is(err, security.ErrNoSPAN) && !errors.Is(err, security.ErrCannotDecode) {
		return
	}

	d.mu.Lock()
	d.s2Failures[nodeID]++
	failures := d.s2Failures[nodeID]
	bootstrapping := d.keyring.Has(security.KeyClassTemporary)
	d.mu.Unlock()

	if bootstrapping && failures > 1 {
		if abortErr := security.AbortBootstrap(d.keyring, security.KEXFailBootstrappingCanceled); abortErr != nil {
			d.logError(nodeID, abortErr)
		}
		return
	}
	d.sendS2NonceReport(nodeID)
}

func (d *Driver) resetS2Failures(nodeID uint8) {
	d.mu.Lock()
	delete(d.s2Failures, nodeID)
	d.mu.Unlock()
}

// sendS2NonceReport queues a single Nonce Report for the node; repeat
// requests while one is pending are collapsed.
func (d *Driver) sendS2NonceReport(nodeID uint8) {
	d.mu.Lock()
	s2 := d.s2
	if s2 == nil || d.noncePending[nodeID] {
		d.mu.Unlock()
		return
	}
	d.noncePending[nodeID] = true
	d.mu.Unlock()

	report, err := s2.NonceReport(nodeID)
	if err != nil {
		d.clearNoncePending(nodeID)
		d.logError(nodeID, err)
		return
	}
	t := d.enqueueCommand(report, scheduler.PriorityNonce, node.TagNonce)
	if t == nil {
		d.clearNoncePending(nodeID)
		return
	}
	go func() {
		<-t.Done()
		d.clearNoncePending(nodeID)
	}()
}

func (d *Driver) clearNoncePending(nodeID uint8) {
	d.mu.Lock()
	delete(d.noncePending, nodeID)
	d.mu.Unlock()
}

func (d *Driver) handleS2NonceReport(c *cc.Command) {
	d.mu.Lock()
	s2 := d.s2
	d.mu.Unlock()
	if s2 == nil {
		return
	}
	if err := s2.HandleNonceReport(c.NodeID, c.Payload); err != nil {
		d.logError(c.NodeID, err)
	}
}

func (d *Driver) sendS0Nonce(nodeID uint8) {
	d.mu.Lock()
	s0 := d.s0
	d.mu.Unlock()
	if s0 == nil {
		return
	}
	report, err := s0.IssueNonce(nodeID)
	if err != nil {
		d.logError(nodeID, err)
		return
	}
	d.enqueueCommand(report, scheduler.PriorityNonce, node.TagNonce)
}

func (d *Driver) handleS0Nonce(c *cc.Command) {
	d.mu.Lock()
	s0 := d.s0
	d.mu.Unlock()
	if s0 == nil {
		return
	}
	if err := s0.StoreReceivedNonce(c.NodeID, c.Payload); err != nil {
		d.logError(c.NodeID, err)
	}
}

// handleTransportSegment feeds a Transport Service command through the
// RX machine and performs the outputs it emits.
func (d *Driver) handleTransportSegment(c *cc.Command) {
	seg, err := transportservice.ParseSegment(c)
	if err != nil {
		d.logError(c.NodeID, err)
		return
	}

	switch seg.Kind {
	case transportservice.KindRequest:
		resend, err := d.tsTX.HandleRequest(seg)
		if err != nil {
			d.logError(c.NodeID, err)
			return
		}
		d.enqueueCommand(resend, scheduler.PriorityHandshake, "transport-service")
		return
	case transportservice.KindComplete:
		d.tsTX.HandleComplete(seg)
		return
	case transportservice.KindWait:
		return
	}

	outputs, err := d.tsRX.Handle(seg)
	if err != nil {
		d.logError(c.NodeID, err)
	}
	d.performTSOutputs(c.NodeID, seg.SessionID, outputs)
}

func (d *Driver) performTSOutputs(nodeID, sessionID uint8, outputs []transportservice.Output) {
	for _, out := range outputs {
		switch out.Kind {
		case transportservice.OutputSend:
			d.enqueueCommand(out.Command, scheduler.PriorityHandshake, "transport-service")

		case transportservice.OutputStartTimer:
			d.startTSTimer(nodeID, sessionID, out.Duration)

		case transportservice.OutputStopTimer:
			d.stopTSTimer(nodeID, sessionID)

		case transportservice.OutputDatagram:
			outer, err := cc.Parse(nodeID, out.Datagram)
			if err != nil {
				d.logError(nodeID, err)
				continue
			}
			d.mu.Lock()
			pipeline := d.pipeline
			d.mu.Unlock()
			inner := outer
			if pipeline != nil {
				inner, err = pipeline.Unwrap(outer)
				if err != nil {
					d.handleUnwrapError(nodeID, err)
					continue
				}
			}
			d.routeCommand(inner, outer)
		}
	}
}

func (d *Driver) startTSTimer(nodeID, sessionID uint8, duration time.Duration) {
	if duration <= 0 {
		duration = transportservice.RequestMissingSegmentTimeout
	}
	key := tsKey{nodeID, sessionID}
	d.mu.Lock()
	if old, ok := d.tsTimers[key]; ok {
		old.Stop()
	}
	d.tsTimers[key] = time.AfterFunc(duration, func() {
		d.mu.Lock()
		delete(d.tsTimers, key)
		d.mu.Unlock()
		outputs, err := d.tsRX.HandleTimeout(nodeID, sessionID)
		if err != nil {
			d.logError(nodeID, err)
		}
		d.performTSOutputs(nodeID, sessionID, outputs)
	})
	d.mu.Unlock()
}

func (d *Driver) stopTSTimer(nodeID, sessionID uint8) {
	key := tsKey{nodeID, sessionID}
	d.mu.Lock()
	if t, ok := d.tsTimers[key]; ok {
		t.Stop()
		delete(d.tsTimers, key)
	}
	d.mu.Unlock()
}

// markTraffic folds inbound traffic into the node power state: Dead
// nodes revive, Asleep nodes wake.
func (d *Driver) markTraffic(nodeID uint8) {
	old, next, changed := d.nodes.MarkAlive(nodeID)
	if !changed {
		d.sleep.Touch(nodeID)
		return
	}
	if old == node.StatusAsleep && next == node.StatusAwake {
		d.sched.Reduce(node.AwakeReducer(nodeID))
	}
	if old == node.StatusDead {
		d.resumeInterview(nodeID)
	}
	d.sleep.Touch(nodeID)
}

// resumeInterview restarts the interview of a node that came back from
// the dead. InterviewNode rejects queued steps of the aborted run
// before starting over.
func (d *Driver) resumeInterview(nodeID uint8) {
	go func() {
		if err := d.InterviewNode(d.baseCtx, nodeID); err != nil && d.baseCtx.Err() == nil {
			d.logError(nodeID, err)
		}
	}()
}

func (d *Driver) handleWakeUpNotification(nodeID uint8) {
	d.nodes.With(nodeID, func(n *node.Node) {
		n.CanSleep = true
		n.SupportsWakeUp = true
	})
	if d.nodes.SetStatus(nodeID, node.StatusAwake) {
		d.sched.Reduce(node.AwakeReducer(nodeID))
	}
	d.sleep.Touch(nodeID)
}

// handleNodeTimeout runs when a transaction fails with NodeTimeout and
// asked for a node status re-evaluation.
func (d *Driver) handleNodeTimeout(nodeID uint8) {
	var sleeper bool
	d.nodes.With(nodeID, func(n *node.Node) { sleeper = n.CanSleep })
	if sleeper {
		if d.nodes.SetStatus(nodeID, node.StatusAsleep) {
			d.sched.Reduce(node.AsleepReducer(nodeID))
		}
		return
	}
	d.nodes.SetStatus(nodeID, node.StatusDead)
}

// handleStatusChange persists transitions and records metrics.
func (d *Driver) handleStatusChange(nodeID uint8, old, new node.Status) {
	if store := d.getStore(); store != nil {
		store.RecordNodeStatus(nodeID, new.String())
	}
	if d.metrics != nil {
		d.metrics.NodeStatus.WithLabelValues(nodeName(nodeID)).Set(float64(new))
	}
}

// handleNodeIdle fires after the sleep debounce: if the node can sleep
// and nothing is queued for it, offer it sleep.
func (d *Driver) handleNodeIdle(nodeID uint8) {
	var eligible bool
	d.nodes.With(nodeID, func(n *node.Node) {
		eligible = n.EligibleForSleep() && n.Status == node.StatusAwake
	})
	if !eligible {
		return
	}
	pending := false
	d.sched.Reduce(func(t *scheduler.Transaction) scheduler.Reduction {
		if t.NodeID == nodeID {
			pending = true
		}
		return scheduler.Keep()
	})
	if pending {
		return
	}
	noMore := cc.EncodeWakeUpNoMoreInformation(nodeID)
	t := d.enqueueCommand(noMore, scheduler.PriorityWakeUp, node.TagNoMoreInformation)
	if t == nil {
		return
	}
	go func() {
		r := <-t.Done()
		if r.Err == nil {
			if d.nodes.SetStatus(nodeID, node.StatusAsleep) {
				d.sched.Reduce(node.AsleepReducer(nodeID))
			}
		}
	}()
}

func nodeName(nodeID uint8) string {
	return string([]byte{'0' + nodeID/100%10, '0' + nodeID/10%10, '0' + nodeID%10})
}
