package controller

import (
	"errors"
	"fmt"

	"github.com/marmos91/odc/pkg/coordinator"
	"github.com/marmos91/odc/pkg/device"
)

// Configure drives the selected devices through the canonical configure
// sequence: InitDevice, CompleteInit, Bind, Connect, InitTask.
func (c *Controller) Configure(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	c.changeStateConfigure(req, session, &err, params.Path, &aggregated)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Configure", aggregated, c.detailedState(session, params), nil)
}

// Start performs the Run transition and records the run number, which is
// valid only while running.
func (c *Controller) Start(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	session.LastRunNr.Store(common.RunNr)

	aggregated := device.AggregatedUndefined
	c.changeState(req, session, &err, params.Path, device.TransitionRun, &aggregated)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Start", aggregated, c.detailedState(session, params), nil)
}

// Stop performs the Stop transition and clears the run number.
func (c *Controller) Stop(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	c.changeState(req, session, &err, params.Path, device.TransitionStop, &aggregated)

	session.LastRunNr.Store(0)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Stop", aggregated, c.detailedState(session, params), nil)
}

// Reset drives the selected devices through ResetTask and ResetDevice.
func (c *Controller) Reset(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	c.changeStateReset(req, session, &err, params.Path, &aggregated)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Reset", aggregated, c.detailedState(session, params), nil)
}

// Terminate performs the End transition.
func (c *Controller) Terminate(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	c.changeState(req, session, &err, params.Path, device.TransitionEnd, &aggregated)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Terminate", aggregated, c.detailedState(session, params), nil)
}

// GetState reports the aggregated (and optionally detailed) state of the
// selected devices.
func (c *Controller) GetState(common CommonParams, params DeviceParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	if session.Coordinator != nil {
		agg, gerr := session.Coordinator.AggregateStateForPath(params.Path)
		if gerr != nil {
			c.fillAndLogError(session, &err, FairMQGetStateFailed, fmt.Sprintf("get state failed: %v", gerr))
		} else {
			aggregated = agg
		}
		c.printStateStats(session, session.Coordinator.CurrentState(), true)
	}

	return c.createRequestResult(req, session.DDS.ID(), &err, "GetState", aggregated, c.detailedState(session, params), nil)
}

// SetProperties pushes device properties to the selected devices.
func (c *Controller) SetProperties(common CommonParams, params SetPropertiesParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined
	if session.Coordinator == nil {
		c.fillAndLogError(session, &err, FairMQSetPropertiesFailed, "device topology is not initialized")
	} else {
		failed, serr := session.Coordinator.SetProperties(params.Props, params.Path, req.stepTimeout())
		if serr == nil {
			session.Log().Info("set properties finished successfully")
		} else {
			for i, taskID := range failed {
				td := session.taskDetails(taskID)
				session.Log().Error("device failed to set properties",
					"index", i+1, "task", taskID, "path", td.Path, "host", td.Host)
			}
			switch {
			case errors.Is(serr, coordinator.ErrOperationTimeout):
				c.fillAndLogError(session, &err, RequestTimeout, fmt.Sprintf("timed out setting properties: %v", serr))
			default:
				c.fillAndLogError(session, &err, FairMQSetPropertiesFailed, fmt.Sprintf("set properties failed: %v", serr))
			}
		}
		aggregated = session.Coordinator.AggregateCurrentState()
	}

	return c.createRequestResult(req, session.DDS.ID(), &err, "SetProperties", aggregated, nil, nil)
}

// GetProperties queries device properties from the selected devices. The
// result maps task IDs to their reported property sets.
func (c *Controller) GetProperties(common CommonParams, path, query string) (coordinator.GetPropertiesResult, RequestResult) {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	var result coordinator.GetPropertiesResult
	aggregated := device.AggregatedUndefined
	if session.Coordinator == nil {
		c.fillAndLogError(session, &err, FairMQGetStateFailed, "device topology is not initialized")
	} else {
		var gerr error
		result, gerr = session.Coordinator.GetProperties(query, path, req.stepTimeout())
		if gerr != nil {
			switch {
			case errors.Is(gerr, coordinator.ErrOperationTimeout):
				c.fillAndLogError(session, &err, RequestTimeout, fmt.Sprintf("timed out getting properties: %v", gerr))
			default:
				c.fillAndLogError(session, &err, FairMQGetStateFailed, fmt.Sprintf("get properties failed: %v", gerr))
			}
		}
		aggregated = session.Coordinator.AggregateCurrentState()
	}

	return result, c.createRequestResult(req, session.DDS.ID(), &err, "GetProperties", aggregated, nil, nil)
}

// --- shared state-change machinery ----------------------------------------

// changeStateConfigure runs the canonical configure sequence; the first
// failing step aborts it.
func (c *Controller) changeStateConfigure(req *request, session *Session, err *Error, path string, aggregated *device.AggregatedState) bool {
	return c.changeState(req, session, err, path, device.TransitionInitDevice, aggregated) &&
		c.changeState(req, session, err, path, device.TransitionCompleteInit, aggregated) &&
		c.changeState(req, session, err, path, device.TransitionBind, aggregated) &&
		c.changeState(req, session, err, path, device.TransitionConnect, aggregated) &&
		c.changeState(req, session, err, path, device.TransitionInitTask, aggregated)
}

// changeStateReset runs the canonical reset sequence.
func (c *Controller) changeStateReset(req *request, session *Session, err *Error, path string, aggregated *device.AggregatedState) bool {
	return c.changeState(req, session, err, path, device.TransitionResetTask, aggregated) &&
		c.changeState(req, session, err, path, device.TransitionResetDevice, aggregated)
}

// changeState performs one transition through the coordinator and folds
// the outcome into the request error and aggregated state.
func (c *Controller) changeState(req *request, session *Session, err *Error, path string, transition device.Transition, aggregated *device.AggregatedState) bool {
	if session.Coordinator == nil {
		c.fillAndLogError(session, err, FairMQChangeStateFailed, "device topology is not initialized")
		return false
	}

	expected := device.ExpectedState(transition)
	if expected == device.Undefined {
		c.fillAndLogError(session, err, FairMQChangeStateFailed, fmt.Sprintf("unexpected transition %s", transition))
		return false
	}

	session.Log().Info("requesting transition", "transition", transition.String(), "path", path)

	state, cerr := session.Coordinator.ChangeState(transition, path, req.stepTimeout())
	*aggregated = coordinator.AggregateState(state)

	if cerr != nil {
		c.stateSummaryOnFailure(session, session.Coordinator.CurrentState(), expected)
		switch {
		case errors.Is(cerr, coordinator.ErrOperationTimeout):
			c.fillAndLogFatalError(session, err, RequestTimeout, fmt.Sprintf("timed out waiting for %s transition", transition))
		case errors.Is(cerr, coordinator.ErrInvalidTransition):
			c.fillAndLogFatalError(session, err, DeviceChangeStateInvalidTransition, fmt.Sprintf("change state failed: %v", cerr))
		default:
			c.fillAndLogFatalError(session, err, FairMQChangeStateFailed, fmt.Sprintf("change state failed: %v", cerr))
		}
		c.printStateStats(session, state, false)
		return false
	}

	session.Log().Info("state changed", "state", aggregated.String(), "transition", transition.String())
	c.printStateStats(session, state, false)
	return true
}

// waitForState blocks until the selected devices report the expected
// state.
func (c *Controller) waitForState(req *request, session *Session, err *Error, path string, expected device.State) bool {
	if session.Coordinator == nil {
		c.fillAndLogError(session, err, FairMQWaitForStateFailed, "device topology is not initialized")
		return false
	}

	session.Log().Info("waiting for topology state", "state", expected.String())

	_, werr := session.Coordinator.WaitForState(device.Undefined, expected, path, req.stepTimeout())
	if werr != nil {
		c.stateSummaryOnFailure(session, session.Coordinator.CurrentState(), expected)
		switch {
		case errors.Is(werr, coordinator.ErrOperationTimeout):
			c.fillAndLogError(session, err, RequestTimeout, fmt.Sprintf("timed out waiting for %s state", expected))
		default:
			c.fillAndLogError(session, err, FairMQWaitForStateFailed, fmt.Sprintf("failed waiting for %s state: %v", expected, werr))
		}
		return false
	}

	session.Log().Info("topology state reached", "state", expected.String())
	return true
}

// detailedState builds the optional per-device report.
func (c *Controller) detailedState(session *Session, params DeviceParams) *DetailedState {
	if !params.Detailed || session.Coordinator == nil {
		return nil
	}
	detailed := &DetailedState{}
	session.fillDetailedState(session.Coordinator.CurrentState(), detailed)
	return detailed
}
