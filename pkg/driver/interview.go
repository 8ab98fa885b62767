package driver

import (
	"context"
	"fmt"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/node"
	"github.com/zwave-host/zwgo/pkg/scheduler"
	"github.com/zwave-host/zwgo/pkg/serialapi"
)

// supportControlMark separates supported from controlled classes in a
// node information frame.
const supportControlMark = 0xEF

// InterviewNode queries a node's capabilities and fills its registry
// entry: protocol info, supported command classes, manufacturer
// identity, per-class versions and the wake-up interval for sleepers.
// The whole sequence is retried up to the configured attempt budget.
func (d *Driver) InterviewNode(ctx context.Context, nodeID uint8) error {
	if err := d.ready(); err != nil {
		return err
	}

	// A restart invalidates queued steps of an earlier run.
	d.sched.Reduce(node.InterviewRestartReducer(nodeID))

	var lastErr error
	for attempt := 0; attempt < d.opts.Attempts.NodeInterview; attempt++ {
		if err := d.interviewOnce(ctx, nodeID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			d.nodes.With(nodeID, func(n *node.Node) { n.InterviewAttempts++ })
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: interview of node %d: %v", ErrFailed, nodeID, lastErr)
}

func (d *Driver) interviewOnce(ctx context.Context, nodeID uint8) error {
	info, err := d.nodeProtocolInfo(ctx, nodeID)
	if err != nil {
		return err
	}
	d.nodes.With(nodeID, func(n *node.Node) {
		n.CanSleep = !info.Listening
	})

	update, err := d.requestNodeInfo(ctx, nodeID)
	if err != nil {
		return err
	}
	classes := make([]cc.CommandClass, 0, len(update.CommandClasses))
	// Classes after the support/control marker are controlled, not
	// supported.
	for _, raw := range update.CommandClasses {
		if raw == supportControlMark {
			break
		}
		classes = append(classes, cc.CommandClass(raw))
	}
	d.nodes.With(nodeID, func(n *node.Node) {
		n.SupportsCRC16 = containsClass(classes, cc.ClassCRC16)
		n.SupportsWakeUp = n.SupportsWakeUp || containsClass(classes, cc.ClassWakeUp)
	})

	if err := d.interviewManufacturer(ctx, nodeID); err != nil {
		return err
	}
	if err := d.interviewVersions(ctx, nodeID, classes); err != nil {
		return err
	}

	var sleeper bool
	d.nodes.With(nodeID, func(n *node.Node) {
		sleeper = n.CanSleep && n.SupportsWakeUp
	})
	if sleeper {
		if err := d.interviewWakeUp(ctx, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// requestNodeInfo asks the node for its information frame and waits for
// the resulting application update.
func (d *Driver) requestNodeInfo(ctx context.Context, nodeID uint8) (*serialapi.ApplicationUpdate, error) {
	t := scheduler.New(scheduler.PriorityNodeQuery, serialapi.EncodeRequestNodeInfo(nodeID))
	t.NodeID = nodeID
	t.Tag = node.TagInterview
	t.WaitForNodeUpdate = true
	t.ChangeNodeStatusOnTimeout = true
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	m, err := t.Await(ctx)
	if err != nil {
		return nil, err
	}
	update, err := serialapi.DecodeApplicationUpdate(m)
	if err != nil {
		return nil, err
	}
	if update.Status == serialapi.UpdateStateNodeInfoReqFailed {
		return nil, fmt.Errorf("%w: node info request failed for node %d", ErrFailed, nodeID)
	}
	return update, nil
}

func (d *Driver) interviewManufacturer(ctx context.Context, nodeID uint8) error {
	get := cc.New(nodeID, cc.ClassManufacturerSpecific, cc.ManufacturerSpecificGet, nil)
	report, err := d.SendCommandForReply(ctx, get, func(rc *cc.Command) bool {
		return rc.NodeID == nodeID &&
			rc.Class == cc.ClassManufacturerSpecific &&
			rc.Command == cc.ManufacturerSpecificReport
	}, d.interviewSendOptions())
	if err != nil {
		return err
	}
	if len(report.Payload) < 6 {
		return fmt.Errorf("%w: short manufacturer report", cc.ErrTooShort)
	}
	d.nodes.With(nodeID, func(n *node.Node) {
		n.ManufacturerID = uint16(report.Payload[0])<<8 | uint16(report.Payload[1])
		n.ProductType = uint16(report.Payload[2])<<8 | uint16(report.Payload[3])
		n.ProductID = uint16(report.Payload[4])<<8 | uint16(report.Payload[5])
	})
	return nil
}

func (d *Driver) interviewVersions(ctx context.Context, nodeID uint8, classes []cc.CommandClass) error {
	versions := make(map[cc.CommandClass]uint8, len(classes))
	for _, class := range classes {
		get := cc.New(nodeID, cc.ClassVersion, cc.VersionCCGet, []byte{uint8(class)})
		report, err := d.SendCommandForReply(ctx, get, func(rc *cc.Command) bool {
			return rc.NodeID == nodeID &&
				rc.Class == cc.ClassVersion &&
				rc.Command == cc.VersionCCReport &&
				len(rc.Payload) >= 2 &&
				cc.CommandClass(rc.Payload[0]) == class
		}, d.interviewSendOptions())
		if err != nil {
			return err
		}
		versions[class] = report.Payload[1]
	}
	supervised := containsClass(classes, cc.ClassSupervision)
	d.nodes.With(nodeID, func(n *node.Node) {
		n.CCVersions = versions
		if supervised {
			for _, class := range classes {
				n.SupervisionSupport[class] = true
			}
		}
	})
	return nil
}

func (d *Driver) interviewWakeUp(ctx context.Context, nodeID uint8) error {
	get := cc.EncodeWakeUpIntervalGet(nodeID)
	report, err := d.SendCommandForReply(ctx, get, func(rc *cc.Command) bool {
		return rc.NodeID == nodeID &&
			rc.Class == cc.ClassWakeUp &&
			rc.Command == cc.WakeUpIntervalReport
	}, d.interviewSendOptions())
	if err != nil {
		return err
	}
	interval, err := cc.DecodeWakeUpIntervalReport(report)
	if err != nil {
		return err
	}
	d.nodes.With(nodeID, func(n *node.Node) {
		n.WakeUpIntervalSeconds = interval.IntervalSeconds
	})
	return nil
}

func (d *Driver) interviewSendOptions() SendOptions {
	return SendOptions{
		Priority:                  Pri(scheduler.PriorityNodeQuery),
		Tag:                       node.TagInterview,
		ChangeNodeStatusOnTimeout: true,
	}
}

func containsClass(classes []cc.CommandClass, class cc.CommandClass) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
