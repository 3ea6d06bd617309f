package controller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/odc/internal/logger"
	"github.com/marmos91/odc/pkg/coordinator"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/plugin"
	"github.com/marmos91/odc/pkg/topology"
)

// Initialize creates a new deployment session for the partition, or
// attaches to an existing one when a session ID is supplied. Attaching
// also rebuilds the topology model and coordinator when the session has
// an active topology, so a restored partition is immediately drivable.
func (c *Controller) Initialize(common CommonParams, params InitializeParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	if params.DDSSessionID == "" {
		if c.shutdownDDSSession(session, &err) {
			c.createDDSSession(session, &err)
		}
	} else {
		if c.attachToDDSSession(session, &err, params.DDSSessionID) {
			topoPath := c.getActiveDDSTopology(req, session, &err)
			if topoPath != "" {
				session.TopoFilePath = topoPath
				if c.createDDSTopology(session, &err) {
					c.createTopology(session, &err)
				}
			}
		}
	}

	c.updateRestore()
	return c.createRequestResult(req, session.DDS.ID(), &err, "Initialize", device.AggregatedUndefined, nil, nil)
}

// Submit adds agents to the partition's deployment session.
func (c *Controller) Submit(common CommonParams, params SubmitRequestParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	hosts := c.submit(req, session, &err, params.Plugin, params.Resources, false)

	return c.createRequestResult(req, session.DDS.ID(), &err, "Submit", device.AggregatedUndefined, nil, hosts)
}

// Activate loads a topology into the session and drives every device to
// Idle.
func (c *Controller) Activate(common CommonParams, params TopologyParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	if !session.DDS.IsRunning() {
		c.fillAndLogError(session, &err, DDSActivateTopologyFailed, "deployment session is not running, use Init or Run to start it")
	}

	if !err.Set() {
		if path, ferr := c.topoFilepath(req, session, params); ferr != nil {
			c.fillAndLogFatalError(session, &err, TopologyFailed, ferr.Error())
		} else {
			session.TopoFilePath = path
			if c.createDDSTopology(session, &err) {
				c.activate(req, session, &err)
			}
		}
	}

	aggregated := device.AggregatedIdle
	if err.Set() {
		aggregated = device.AggregatedUndefined
	}
	return c.createRequestResult(req, session.DDS.ID(), &err, "Activate", aggregated, nil, nil)
}

// activate performs the activation sequence against an already-parsed
// topology: activate in the deployment layer, build the coordinator, wait
// for every device to report Idle.
func (c *Controller) activate(req *request, session *Session, err *Error) bool {
	return c.activateDDSTopology(req, session, err, false) &&
		c.createTopology(session, err) &&
		c.waitForState(req, session, err, "", device.Idle)
}

// Run is the atomic composition of Initialize, Submit and Activate. It is
// refused on a partition where a prior Run was attempted.
func (c *Controller) Run(common CommonParams, params RunParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)
	var hosts []string

	if session.RunAttempted {
		err = Error{Code: RequestNotSupported, Details: "repeated Run request is not supported, shut down this partition to retry"}
		session.Log().Error(err.Details)
	} else {
		session.RunAttempted = true

		if c.shutdownDDSSession(session, &err) {
			c.createDDSSession(session, &err)
		}
		c.updateRestore()

		if !err.Set() {
			if path, ferr := c.topoFilepath(req, session, params.TopologyParams); ferr != nil {
				c.fillAndLogFatalError(session, &err, TopologyFailed, fmt.Sprintf("incorrect topology provided: %v", ferr))
			} else {
				session.TopoFilePath = path
				c.createDDSTopology(session, &err)
			}
		}

		if !err.Set() {
			hosts = c.submit(req, session, &err, params.Plugin, params.Resources, params.ExtractTopoResources)

			if !session.DDS.IsRunning() {
				c.fillAndLogError(session, &err, DDSActivateTopologyFailed, "deployment session is not running")
			}
			if !err.Set() {
				c.activate(req, session, &err)
			}
		}
	}

	aggregated := device.AggregatedIdle
	if err.Set() {
		aggregated = device.AggregatedUndefined
	}
	return c.createRequestResult(req, session.DDS.ID(), &err, "Run", aggregated, nil, hosts)
}

// Update swaps the active topology: reset, reactivate with the new
// document, reconfigure. Removing live tasks any other way is not
// supported.
func (c *Controller) Update(common CommonParams, params TopologyParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error
	session := c.acquireSession(common)

	aggregated := device.AggregatedUndefined

	path, ferr := c.topoFilepath(req, session, params)
	if ferr != nil {
		c.fillAndLogFatalError(session, &err, TopologyFailed, fmt.Sprintf("incorrect topology provided: %v", ferr))
	}

	if !err.Set() {
		_ = c.changeStateReset(req, session, &err, "", &aggregated) &&
			func() bool {
				session.clearTopology()
				session.TopoFilePath = path
				return c.createDDSTopology(session, &err)
			}() &&
			c.activateDDSTopology(req, session, &err, true) &&
			c.createTopology(session, &err) &&
			c.waitForState(req, session, &err, "", device.Idle) &&
			c.changeStateConfigure(req, session, &err, "", &aggregated)
	}

	return c.createRequestResult(req, session.DDS.ID(), &err, "Update", aggregated, nil, nil)
}

// Shutdown tears down the deployment session and removes the partition.
func (c *Controller) Shutdown(common CommonParams) RequestResult {
	pmu := c.lockPartition(common.PartitionID)
	defer pmu.Unlock()

	req := newRequest(common, c.cfg.DefaultTimeout)
	var err Error

	session := c.acquireSession(common)
	sessionID := session.DDS.ID()
	c.shutdownDDSSession(session, &err)

	c.removeSession(common)
	c.updateRestore()

	return c.createRequestResult(req, sessionID, &err, "Shutdown", device.AggregatedUndefined, nil, nil)
}

// --- deployment-session steps --------------------------------------------

func (c *Controller) createDDSSession(session *Session, err *Error) bool {
	id, cerr := session.DDS.Create()
	if cerr != nil {
		c.fillAndLogError(session, err, DDSCreateSessionFailed, fmt.Sprintf("failed to create deployment session: %v", cerr))
		return false
	}
	session.Log().Info("deployment session created", logger.KeySession, id)
	c.updateHistory(session, id)
	return true
}

func (c *Controller) attachToDDSSession(session *Session, err *Error, sessionID string) bool {
	if aerr := session.DDS.Attach(sessionID); aerr != nil {
		c.fillAndLogError(session, err, DDSAttachToSessionFailed, fmt.Sprintf("failed to attach to deployment session: %v", aerr))
		return false
	}
	session.Log().Info("attached to deployment session", logger.KeySession, sessionID)
	return true
}

func (c *Controller) shutdownDDSSession(session *Session, err *Error) bool {
	session.clearTopology()

	if session.DDS.ID() == "" {
		session.Log().Info("deployment session ID is already empty, not calling shutdown")
		return true
	}

	if serr := session.DDS.Shutdown(); serr != nil {
		c.fillAndLogError(session, err, DDSShutdownSessionFailed, fmt.Sprintf("shutdown failed: %v", serr))
		return false
	}
	if session.DDS.ID() != "" {
		c.fillAndLogError(session, err, DDSShutdownSessionFailed, "failed to shut down deployment session")
		return false
	}
	session.Log().Info("deployment session has been shut down")
	return true
}

func (c *Controller) getActiveDDSTopology(req *request, session *Session, err *Error) string {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()

	path, terr := session.DDS.ActiveTopologyPath(ctx)
	if terr != nil {
		c.fillAndLogError(session, err, DDSCommanderInfoFailed, fmt.Sprintf("error getting active topology: %v", terr))
		return ""
	}
	return path
}

// --- submission -----------------------------------------------------------

// submit performs all submission passes and returns the distinct hosts the
// launched agents run on.
func (c *Controller) submit(req *request, session *Session, err *Error, pluginName, resources string, extractResources bool) []string {
	if extractResources {
		session.Log().Info("attempting submission with resources extracted from topology")
	} else {
		session.Log().Info("attempting submission", "resources", resources)
	}

	if !session.DDS.IsRunning() {
		c.fillAndLogError(session, err, DDSSubmitAgentsFailed, "deployment session is not running, use Init or Run to start it")
		return nil
	}

	var params []dds.SubmitParams
	var perr error
	if extractResources {
		if session.Reqs == nil {
			c.fillAndLogError(session, err, ResourcePluginFailed, "no topology loaded to extract resources from")
			return nil
		}
		params, perr = plugin.MakeParamsFromTopology(c.cfg.RMS, c.cfg.Zones, session.Reqs.AgentGroups)
	} else {
		ctx := context.Background()
		params, perr = c.plugins.MakeParams(ctx, pluginName, resources, session.PartitionID, req.common.RunNr, req.stepTimeout())
	}
	if perr != nil {
		c.fillAndLogError(session, err, ResourcePluginFailed, fmt.Sprintf("resource plugin failed: %v", perr))
		return nil
	}

	expectedSlots := session.slotCount()
	session.Log().Info("preparing submission passes", "count", len(params))
	for i, p := range params {
		session.Log().Info("submitting agents",
			"pass", fmt.Sprintf("%d/%d", i+1, len(params)),
			"rms", p.RMS, "agents", p.NumAgents, "minAgents", p.MinAgents,
			"slots", p.NumSlots, "cores", p.NumCores, "agentGroup", p.AgentGroup)
		if c.submitDDSAgents(req, session, err, p) {
			expectedSlots += int(p.NumAgents * p.NumSlots)
		} else {
			session.Log().Error("submission failed")
			break
		}
	}

	if !err.Set() {
		session.Log().Info("waiting for active slots", "slots", expectedSlots)
		if c.waitForNumActiveSlots(req, session, err, expectedSlots) {
			session.setSlotCount(expectedSlots)
			session.Log().Info("done waiting for active slots", "slots", expectedSlots)
		}
	}

	var hosts []string
	if session.DDS.IsRunning() {
		agentCounts := make(map[string]int32)
		for _, p := range params {
			agentCounts[p.AgentGroup] = 0
		}

		info, aerr := c.getAgentInfo(req, session)
		if aerr != nil {
			c.fillAndLogError(session, err, DDSCommanderInfoFailed, fmt.Sprintf("failed getting agent info: %v", aerr))
		} else {
			hostSet := make(map[string]struct{})
			session.Log().Info("launched agents", "count", len(info))
			for _, ai := range info {
				agentCounts[ai.GroupName]++
				session.recordAgentSlots(ai.AgentID, ai.NumSlots)
				hostSet[ai.Host] = struct{}{}
				session.Log().Info("agent",
					"agent", ai.AgentID, "host", ai.Host, "path", ai.Path,
					"group", ai.GroupName, "startupTime", ai.StartupTime, "slots", ai.NumSlots)
			}
			hosts = make([]string, 0, len(hostSet))
			for h := range hostSet {
				hosts = append(hosts, h)
			}
			sort.Strings(hosts)
		}

		if err.Set() {
			c.attemptSubmitRecovery(req, session, err, params, agentCounts)
		}
	}
	return hosts
}

func (c *Controller) submitDDSAgents(req *request, session *Session, err *Error, params dds.SubmitParams) bool {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()

	success := true
	serr := session.DDS.SubmitAgents(ctx, params, func(msg dds.SubmitMessage) {
		if msg.Severity == dds.SeverityError {
			success = false
			c.fillAndLogError(session, err, DDSSubmitAgentsFailed, fmt.Sprintf("submit error: %s", msg.Message))
		} else {
			session.Log().Info("submit message", "message", msg.Message)
		}
	})
	if serr != nil {
		if ctx.Err() != nil {
			c.fillAndLogError(session, err, RequestTimeout, "timed out waiting for agent submission")
		} else {
			c.fillAndLogError(session, err, DDSSubmitAgentsFailed, fmt.Sprintf("agent submission failed: %v", serr))
		}
		return false
	}
	return success
}

func (c *Controller) waitForNumActiveSlots(req *request, session *Session, err *Error, slots int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()

	if werr := session.DDS.WaitForActiveSlots(ctx, slots); werr != nil {
		c.fillAndLogError(session, err, RequestTimeout, fmt.Sprintf("timeout waiting for slots: %v", werr))
		return false
	}
	return true
}

// attemptSubmitRecovery salvages a partial submission: when every agent
// group still meets its minimum, the reduced agent counts are adopted and
// the topology file regenerated to match.
func (c *Controller) attemptSubmitRecovery(req *request, session *Session, err *Error, params []dds.SubmitParams, agentCounts map[string]int32) {
	*err = Error{}

	for _, p := range params {
		actual := agentCounts[p.AgentGroup]
		if actual == p.NumAgents {
			continue
		}
		if p.MinAgents == 0 {
			c.fillAndLogError(session, err, DDSSubmitAgentsFailed,
				fmt.Sprintf("number of agents (%d) for group %q is less than requested (%d), and no nMin is defined", actual, p.AgentGroup, p.NumAgents))
			return
		}
		if actual < p.MinAgents {
			c.fillAndLogError(session, err, DDSSubmitAgentsFailed,
				fmt.Sprintf("number of agents (%d) for group %q is less than requested (%d), and nMin (%d) is not satisfied", actual, p.AgentGroup, p.NumAgents, p.MinAgents))
			return
		}
		session.Log().Info("reduced agent count satisfies nMin",
			"agentGroup", p.AgentGroup, "actual", actual, "requested", p.NumAgents, "nMin", p.MinAgents)
	}

	slots, serr := c.getNumSlots(req, session)
	if serr != nil {
		c.fillAndLogError(session, err, DDSCommanderInfoFailed, fmt.Sprintf("failed getting slot count: %v", serr))
		return
	}
	session.setSlotCount(slots)

	if session.Reqs != nil {
		for _, ni := range session.Reqs.NInfo {
			if count, ok := agentCounts[ni.AgentGroup]; ok {
				ni.NCurrent = count
			}
		}
	}

	if uerr := c.updateTopologyFile(session); uerr != nil {
		c.fillAndLogError(session, err, DDSCreateTopologyFailed, fmt.Sprintf("failed updating topology: %v", uerr))
	}
}

// updateTopologyFile regenerates the current topology with group
// multiplicities lowered to the current collection counts.
func (c *Controller) updateTopologyFile(session *Session) error {
	if session.Topo == nil || session.Reqs == nil {
		return fmt.Errorf("no topology loaded")
	}

	session.Log().Info("updating topology file to reflect the reduced number of groups", "file", session.TopoFilePath)

	for name, ni := range session.Reqs.NInfo {
		if ni.NCurrent == ni.NOriginal {
			continue
		}
		if serr := session.Topo.SetGroupN(name, ni.NCurrent); serr != nil {
			session.Log().Error("cannot lower collection multiplicity", "collection", name, "error", serr)
			continue
		}
		session.Log().Info("lowered collection multiplicity", "collection", name, "n", ni.NCurrent)
	}

	dir, terr := os.MkdirTemp("", "odc-topo-")
	if terr != nil {
		return terr
	}
	path := filepath.Join(dir, fmt.Sprintf("topo_%s_reduced.xml", session.PartitionID))
	if serr := session.Topo.Save(path); serr != nil {
		return serr
	}
	session.TopoFilePath = path

	// re-expand so runtime IDs and requirements match the reduced document
	var err Error
	if !c.createDDSTopology(session, &err) {
		return fmt.Errorf("%s", err.Details)
	}

	session.Log().Info("saved reduced topology file", "file", path)
	return nil
}

// --- topology steps -------------------------------------------------------

// topoFilepath resolves the exactly-one-of file/content/script rule to a
// topology file path on disk.
func (c *Controller) topoFilepath(req *request, session *Session, params TopologyParams) (string, error) {
	count := 0
	for _, v := range []string{params.TopoFile, params.TopoContent, params.TopoScript} {
		if v != "" {
			count++
		}
	}
	if count != 1 {
		return "", fmt.Errorf("either topology filepath, content or script has to be set")
	}
	if params.TopoFile != "" {
		return params.TopoFile, nil
	}

	content := params.TopoContent
	if params.TopoScript != "" {
		session.Log().Info("executing topology generation script", "script", params.TopoScript)

		ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
		defer cancel()

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", params.TopoScript)
		cmd.Env = append(os.Environ(), "ODC_TOPO_GEN_CMD="+params.TopoScript)
		var stdout, stderr strings.Builder
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if rerr := cmd.Run(); rerr != nil {
			logger.FatalLines(fmt.Sprintf("topology generation script failed: %v, stderr:\n%s", rerr, stderr.String()),
				logger.KeyPartition, session.PartitionID)
			return "", fmt.Errorf("topology generation script failed: %w, stderr: %q", rerr, stderr.String())
		}

		shortOut := stdout.String()
		if len(shortOut) > 75 {
			shortOut = shortOut[:75] + " [...]"
		}
		session.Log().Info("topology generation script successful", "stderr", stderr.String(), "stdout", shortOut)
		content = stdout.String()
	}

	dir, err := os.MkdirTemp("", "odc-topo-")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary topology dir: %w", err)
	}
	path := filepath.Join(dir, "topology.xml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to create temporary topology file %q: %w", path, err)
	}
	session.Log().Info("temp topology file created", "file", path)
	return path, nil
}

// createDDSTopology parses and expands the session's topology file and
// extracts the session requirement tables.
func (c *Controller) createDDSTopology(session *Session, err *Error) bool {
	topo, terr := topology.Load(session.TopoFilePath)
	if terr != nil {
		c.fillAndLogError(session, err, DDSCreateTopologyFailed, fmt.Sprintf("failed to initialize topology: %v", terr))
		return false
	}
	rt, rerr := topology.NewRuntime(topo)
	if rerr != nil {
		c.fillAndLogError(session, err, DDSCreateTopologyFailed, fmt.Sprintf("failed to expand topology: %v", rerr))
		return false
	}
	session.Log().Info("extracting requirements", "file", session.TopoFilePath)
	reqs, xerr := topology.ExtractRequirements(rt, session.Log())
	if xerr != nil {
		c.fillAndLogFatalError(session, err, TopologyFailed, fmt.Sprintf("requirements extraction failed: %v", xerr))
		return false
	}

	session.Topo = topo
	session.Runtime = rt
	session.Reqs = reqs
	session.Log().Info("topology initialized", "file", session.TopoFilePath, "tasks", rt.NumTasks())
	return true
}

// activateDDSTopology runs the deployment-layer activation and records the
// per-task placement events.
func (c *Controller) activateDDSTopology(req *request, session *Session, err *Error, update bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()

	aerr := session.DDS.ActivateTopology(ctx, session.TopoFilePath, update, func(ev dds.TopologyEvent) {
		session.Log().Debug("activation event",
			"agent", ev.AgentID, "slot", ev.SlotID, "task", ev.TaskID,
			"collection", ev.CollectionID, "host", ev.Host, "path", ev.Path, "activated", ev.Activated)
		session.recordActivation(ev)
	})
	if aerr != nil {
		if ctx.Err() != nil {
			c.fillAndLogError(session, err, RequestTimeout, "timed out waiting for topology activation")
		} else {
			c.fillAndLogError(session, err, DDSActivateTopologyFailed, fmt.Sprintf("activation failed: %v", aerr))
		}
		session.Log().Error("topology failed to activate", "file", session.TopoFilePath)
		return false
	}

	session.Log().Info("topology activated", "file", session.TopoFilePath)
	return true
}

// createTopology builds the coordinator for the activated topology.
func (c *Controller) createTopology(session *Session, err *Error) bool {
	coord, cerr := coordinator.New(coordinator.Options{
		Session:      session.DDS,
		Runtime:      session.Runtime,
		Requirements: session.Reqs,
		Log:          session.Log(),
		ShutdownAgent: func(agentID uint64) {
			go c.shutdownAgent(session, agentID)
		},
	})
	if cerr != nil {
		session.Coordinator = nil
		c.fillAndLogError(session, err, FairMQCreateTopologyFailed, fmt.Sprintf("failed to initialize device topology: %v", cerr))
		return false
	}
	session.Coordinator = coord
	return true
}

// shutdownAgent asks the deployment layer to stop one agent and polls the
// slot count down to the expected value.
func (c *Controller) shutdownAgent(session *Session, agentID uint64) {
	log := session.Log()

	slotsToRemove := session.agentSlotCount(agentID)
	expected := session.slotCount() - int(slotsToRemove)
	log.Info("sending shutdown signal to agent", logger.KeyAgent, agentID, "expectedSlots", expected)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DefaultTimeout)
	defer cancel()

	if serr := session.DDS.ShutdownAgent(ctx, agentID); serr != nil {
		log.Error("agent shutdown failed", logger.KeyAgent, agentID, "error", serr)
		return
	}

	current, cerr := session.DDS.ActiveSlotCount(ctx)
	for cerr == nil && current != expected && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
		current, cerr = session.DDS.ActiveSlotCount(ctx)
	}
	if cerr != nil {
		log.Error("failed updating number of slots", "error", cerr)
		return
	}
	if current != expected {
		log.Warn("could not reduce the number of slots", "expected", expected, "current", current)
	} else {
		log.Info("successfully reduced number of slots", "current", current)
	}
	session.setSlotCount(current)
}

func (c *Controller) getAgentInfo(req *request, session *Session) ([]dds.AgentInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()
	return session.DDS.AgentInfo(ctx)
}

func (c *Controller) getNumSlots(req *request, session *Session) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), req.stepTimeout())
	defer cancel()
	return session.DDS.ActiveSlotCount(ctx)
}
