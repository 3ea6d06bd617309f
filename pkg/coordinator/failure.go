package coordinator

import (
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/topology"
)

// ignoreExpendable is the single entry point of the failure policy, called
// whenever a device enters Error or unexpectedly reaches Exiting. It
// reports whether the failure was absorbed:
//
//  1. an already-ignored device is a no-op;
//  2. an expendable device is ignored outright;
//  3. a device in a collection is absorbed if the collection's remaining
//     healthy instances still meet the declared minimum, in which case the
//     whole runtime collection is ignored and its agent shut down;
//  4. anything else is a hard failure.
//
// Precondition: coordinator mutex held.
func (c *Coordinator) ignoreExpendable(ds *DeviceStatus) bool {
	if ds.Ignored {
		c.log.Debug("failed device is already ignored", "task", ds.TaskID)
		return true
	}

	if ds.Expendable {
		c.log.Debug("failed device is expendable, ignoring", "task", ds.TaskID)
		c.ignoreDevice(ds)
		return true
	}

	if ds.CollectionID != 0 {
		colInfo, ok := c.reqs.RuntimeCollectionIndex[ds.CollectionID]
		if ok {
			if _, counted := colInfo.FailedRuntimeCollections[ds.CollectionID]; !counted {
				colInfo.FailedRuntimeCollections[ds.CollectionID] = struct{}{}
				colInfo.NCurrent--
			}
			if c.checkNMin(colInfo, ds.CollectionID) {
				c.ignoreCollectionDevices(ds.CollectionID)
				agentID := colInfo.RuntimeCollectionAgents[ds.CollectionID]
				c.log.Info("requesting shutdown of agent hosting failed collection",
					"agent", agentID, "collection", ds.CollectionID)
				c.shutdownAgent(agentID)
				return true
			}
		}
	}

	return false
}

// checkNMin decides whether a failed runtime collection can be absorbed.
// Precondition: coordinator mutex held, the failure already counted.
func (c *Coordinator) checkNMin(colInfo *topology.CollectionInfo, collectionID uint64) bool {
	rc, _ := c.rt.Collection(collectionID)
	if colInfo.NMin == -1 {
		c.log.Error("collection has no nMin defined, failure cannot be ignored",
			"collection", collectionID, "path", rc.Path)
		return false
	}
	if colInfo.NCurrent < colInfo.NMin {
		c.log.Error("remaining collection count dropped below nMin, failure cannot be ignored",
			"collection", collectionID, "path", rc.Path, "nCurrent", colInfo.NCurrent, "nMin", colInfo.NMin)
		return false
	}
	c.log.Info("ignoring failed collection, remaining count still meets nMin",
		"collection", collectionID, "path", rc.Path, "nCurrent", colInfo.NCurrent, "nMin", colInfo.NMin)
	return true
}

// ignoreDevice marks one device ignored and removes it from every
// operation's outstanding set. Precondition: coordinator mutex held.
func (c *Coordinator) ignoreDevice(ds *DeviceStatus) {
	if ds.Subscribed {
		ds.Subscribed = false
		c.numSubscribed--
	}
	ds.Ignored = true
	c.ignoreTaskForAllOps(ds.TaskID)
}

// ignoreCollectionDevices ignores every device of one runtime collection.
// Precondition: coordinator mutex held.
func (c *Coordinator) ignoreCollectionDevices(collectionID uint64) {
	for i := range c.state {
		if c.state[i].CollectionID == collectionID {
			c.ignoreDevice(&c.state[i])
		}
	}
}

func (c *Coordinator) ignoreTaskForAllOps(taskID uint64) {
	for _, op := range c.changeStateOps {
		op.ignore(c, taskID)
	}
	for _, op := range c.waitForStateOps {
		op.ignore(c, taskID)
	}
	for _, op := range c.setPropertiesOps {
		op.ignore(c, taskID)
	}
	for _, op := range c.getPropertiesOps {
		op.ignore(c, taskID)
	}
}

// FailedTasks returns the non-ignored tasks whose state differs from the
// expected state, for failure summaries.
func (c *Coordinator) FailedTasks(expected device.State) []uint64 {
	state := c.CurrentState()
	var out []uint64
	for _, ds := range state {
		if ds.Ignored || ds.State == expected {
			continue
		}
		out = append(out, ds.TaskID)
	}
	return out
}
