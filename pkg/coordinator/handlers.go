package coordinator

import (
	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/device"
)

// handleCommands is the command-channel subscription callback. It decodes
// the envelope and routes each command. Handlers take the coordinator
// mutex; operation completion handlers are dispatched on their own
// goroutines, never from here.
func (c *Coordinator) handleCommands(data []byte, senderTaskID uint64) {
	cmds, err := cc.Unmarshal(data)
	if err != nil {
		c.log.Warn("discarding undecodable command payload", "sender", senderTaskID, "error", err)
		return
	}

	for _, cmd := range cmds {
		switch m := cmd.(type) {
		case *cc.StateChangeSubscription:
			c.handleSubscription(m)
		case *cc.StateChangeUnsubscription:
			c.handleUnsubscription(m)
		case *cc.StateChange:
			c.handleStateChange(m)
		case *cc.TransitionStatus:
			c.handleTransitionStatus(m)
		case *cc.Properties:
			c.handleProperties(m)
		case *cc.PropertiesSet:
			c.handlePropertiesSet(m)
		default:
			c.log.Warn("unexpected command received", "type", cmd.Type(), "sender", senderTaskID)
		}
	}
}

func (c *Coordinator) handleSubscription(m *cc.StateChangeSubscription) {
	if m.Result != cc.ResultOk {
		c.log.Error("state change subscription failed", "device", m.DeviceID, "task", m.TaskID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[m.TaskID]
	if !ok {
		c.log.Error("subscription confirmation for unknown task", "task", m.TaskID)
		return
	}
	ds := &c.state[idx]
	if !ds.Subscribed {
		ds.Subscribed = true
		c.numSubscribed++
	} else {
		c.log.Warn("task sent subscription confirmation more than once", "task", m.TaskID)
	}
}

func (c *Coordinator) handleUnsubscription(m *cc.StateChangeUnsubscription) {
	if m.Result != cc.ResultOk {
		c.log.Error("state change unsubscription failed", "device", m.DeviceID, "task", m.TaskID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[m.TaskID]
	if !ok {
		c.log.Error("unsubscription confirmation for unknown task", "task", m.TaskID)
		return
	}
	ds := &c.state[idx]
	if ds.Subscribed {
		ds.Subscribed = false
		c.numSubscribed--
	}
}

func (c *Coordinator) handleStateChange(m *cc.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[m.TaskID]
	if !ok {
		c.log.Error("state change for unknown task", "task", m.TaskID)
		return
	}
	ds := &c.state[idx]
	previous := ds.State
	ds.LastState = m.LastState
	ds.State = m.CurrentState

	expendable := false
	if ds.State == device.Error || (ds.State == device.Exiting && previous != device.Idle) {
		c.log.Error("device unexpectedly changed state", "task", ds.TaskID, "state", ds.State)
		expendable = c.ignoreExpendable(ds)
		for _, op := range c.setPropertiesOps {
			op.update(c, ds.TaskID, cc.ResultFailure, expendable)
		}
	}

	for _, op := range c.changeStateOps {
		op.update(c, m.TaskID, m.CurrentState, expendable)
	}
	for _, op := range c.waitForStateOps {
		op.update(c, m.TaskID, m.LastState, m.CurrentState, expendable)
	}
}

func (c *Coordinator) handleTransitionStatus(m *cc.TransitionStatus) {
	if m.Result == cc.ResultOk {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[m.TaskID]
	if !ok {
		return
	}
	for _, op := range c.changeStateOps {
		if op.done() || !op.contains(m.TaskID) {
			continue
		}
		if c.state[idx].State != op.target {
			c.log.Error("transition failed for device",
				"transition", m.Transition, "device", m.DeviceID, "state", m.CurrentState)
			op.complete(c, ErrInvalidTransition)
		} else {
			// duplicate request; device already made it
			c.log.Debug("transition failed but device is already in target state",
				"transition", m.Transition, "device", m.DeviceID, "state", m.CurrentState)
		}
	}
}

func (c *Coordinator) handleProperties(m *cc.Properties) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.getPropertiesOps[m.RequestID]
	if !ok {
		c.log.Debug("discarding reply for unknown get-properties operation",
			"requestId", m.RequestID, "device", m.DeviceID, "task", m.TaskID)
		return
	}
	op.update(c, m.TaskID, m.Result, m.Props)
}

func (c *Coordinator) handlePropertiesSet(m *cc.PropertiesSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.setPropertiesOps[m.RequestID]
	if !ok {
		c.log.Debug("discarding reply for unknown set-properties operation",
			"requestId", m.RequestID, "device", m.DeviceID, "task", m.TaskID)
		return
	}
	op.update(c, m.TaskID, m.Result, false)
}

// handleTaskDone is the task-exit subscription callback. An exit from a
// state other than Idle or Exiting, or with a positive exit code, is
// unexpected: the device is put into Error and the expendable policy runs.
func (c *Coordinator) handleTaskDone(ev dds.TaskDoneEvent) {
	c.mu.Lock()

	idx, ok := c.index[ev.TaskID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("task done for unknown task", "task", ev.TaskID)
		return
	}
	ds := &c.state[idx]
	if ds.Subscribed {
		ds.Subscribed = false
		c.numSubscribed--
	}
	ds.ExitCode = ev.ExitCode
	ds.Signal = ev.Signal
	ds.LastState = ds.State
	lastKnown := ds.State

	unexpected := (ds.LastState != device.Idle && ds.LastState != device.Exiting) || ev.ExitCode > 0
	expendable := false
	if unexpected {
		ds.State = device.Error
		expendable = c.ignoreExpendable(ds)
		for _, op := range c.setPropertiesOps {
			op.update(c, ds.TaskID, cc.ResultFailure, expendable)
		}
	} else {
		ds.State = device.Exiting
	}

	for _, op := range c.changeStateOps {
		op.update(c, ds.TaskID, ds.State, expendable)
	}
	for _, op := range c.waitForStateOps {
		op.update(c, ds.TaskID, ds.LastState, ds.State, expendable)
	}
	c.mu.Unlock()

	args := []any{
		"task", ev.TaskID, "lastState", lastKnown, "path", ev.TaskPath,
		"exitCode", ev.ExitCode, "signal", ev.Signal, "host", ev.Host, "wrkDir", ev.WrkDir,
	}
	if unexpected {
		c.log.Error("task exited unexpectedly", args...)
	} else {
		c.log.Debug("task exited", args...)
	}
}
