package watcher

import (
	"github.com/gopcua/opcua/ua"

	"printerstatus/internal/metrics"
	"printerstatus/internal/status"
)

// events routes session callbacks of one run into the watcher.
type events struct {
	w        *Watcher
	gen      uint64
	endpoint string
}

func (e *events) HandleDataChange(nodeID string, dv *ua.DataValue) {
	def, ok := e.w.reg.ByNodeID(nodeID)
	if !ok {
		e.w.logger.Debug("change for untracked node", "node_id", nodeID)
		return
	}
	metrics.IncUpdate("data")
	v, lamp := evaluate(def, dv)
	var revived bool
	e.w.update(e.gen, func(sn *status.Snapshot) bool {
		e.w.live.Touch()
		changed := sn.PutNode(e.w.reg, def, v, lamp)
		revived = sn.MarkAlive(e.endpoint)
		return changed || revived
	})
	if revived {
		e.w.setState(e.gen, []State{StateDisconnected}, StateConnected)
	}
}

func (e *events) HandleKeepAlive() {
	metrics.IncUpdate("keepalive")
	revived := e.w.update(e.gen, func(sn *status.Snapshot) bool {
		e.w.live.Touch()
		return sn.MarkAlive(e.endpoint)
	})
	if revived {
		e.w.setState(e.gen, []State{StateDisconnected}, StateConnected)
	}
}

func (e *events) HandleTerminated(err error) {
	e.w.logger.Warn("subscription terminated", "error", err)
	e.disconnect("terminated", ReasonTerminated)
}

func (e *events) HandleReconnecting(attempt int) {
	e.disconnect("reconnecting", ReconnectingReason(attempt))
}

func (e *events) HandleClosed() {
	e.disconnect("closed", ReasonClosed)
}

func (e *events) disconnect(cause, reason string) {
	if e.w.update(e.gen, func(sn *status.Snapshot) bool { return sn.MarkDisconnected(reason) }) {
		metrics.IncDisconnect(cause)
	}
	e.w.setState(e.gen, []State{StateConnected, StateConnecting}, StateDisconnected)
}
