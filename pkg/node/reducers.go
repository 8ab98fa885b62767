package node

import "github.com/zwave-host/zwgo/pkg/scheduler"

// Transaction tags the driver attaches when enqueuing, so reducers can
// tell what a queued message is for without decoding it.
const (
	TagPing              = "ping"
	TagNonce             = "nonce"
	TagSupervisionReport = "supervision-report"
	TagNoMoreInformation = "no-more-information"
	TagInterview         = "interview"
)

// AsleepReducer handles the Awake to Asleep transition for one node.
// Pings, nonce exchanges, supervision replies and the back-to-sleep
// command are pointless for a sleeping node and are dropped. Interview
// queries are parked in the WakeUp band under the interview tag so the
// interview resumes on the next wake-up. Everything else is parked in
// the WakeUp band keeping its relative order.
func AsleepReducer(nodeID uint8) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Reduction {
		if t.NodeID != nodeID {
			return scheduler.Keep()
		}
		switch t.Tag {
		case TagPing, TagNonce, TagSupervisionReport, TagNoMoreInformation:
			return scheduler.Drop()
		}
		if t.Priority == scheduler.PriorityNodeQuery {
			return scheduler.Requeue(scheduler.PriorityWakeUp, TagInterview)
		}
		if t.Priority == scheduler.PriorityWakeUp {
			return scheduler.Keep()
		}
		return scheduler.Requeue(scheduler.PriorityWakeUp, t.Tag)
	}
}

// AwakeReducer handles the Asleep to Awake transition. Parked
// transactions leave the WakeUp band: interview-tagged work returns to
// the NodeQuery band, stale pings are dropped, the rest resumes at
// Normal priority, ahead of other nodes still waiting in WakeUp.
func AwakeReducer(nodeID uint8) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Reduction {
		if t.NodeID != nodeID || t.Priority != scheduler.PriorityWakeUp {
			return scheduler.Keep()
		}
		switch t.Tag {
		case TagPing:
			return scheduler.Drop()
		case TagInterview:
			return scheduler.Requeue(scheduler.PriorityNodeQuery, TagInterview)
		}
		return scheduler.Requeue(scheduler.PriorityNormal, t.Tag)
	}
}

// RemovalReducer rejects every queued transaction for a removed node.
func RemovalReducer(nodeID uint8, err error) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Reduction {
		if t.NodeID != nodeID {
			return scheduler.Keep()
		}
		return scheduler.Reject(err)
	}
}

// InterviewRestartReducer rejects queued interview work for a node so a
// fresh interview can start from a clean queue.
func InterviewRestartReducer(nodeID uint8) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Reduction {
		if t.NodeID != nodeID || t.Tag != TagInterview {
			return scheduler.Keep()
		}
		return scheduler.Reject(scheduler.ErrInterviewRestarted)
	}
}
