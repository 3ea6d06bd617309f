package coordinator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/dds/ddstest"
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/topology"
)

const topoSixTasks = `
<topology name="ex-six">
    <decltask name="Sampler"><exe>odc-ex-sampler</exe></decltask>
    <decltask name="Processor"><exe>odc-ex-processor</exe></decltask>
    <decltask name="Sink"><exe>odc-ex-sink</exe></decltask>
    <declcollection name="Pipeline">
        <tasks>
            <name>Sampler</name>
            <name>Processor</name><name>Processor</name><name>Processor</name><name>Processor</name>
            <name>Sink</name>
        </tasks>
    </declcollection>
    <main name="main"><collection name="Pipeline"/></main>
</topology>`

const topoExpendable = `
<topology name="ex-expendable">
    <declrequirement name="odc_expendable_mon" type="custom" value="true"/>
    <decltask name="Sampler"><exe>odc-ex-sampler</exe></decltask>
    <decltask name="Monitor">
        <exe>odc-ex-monitor</exe>
        <requirements><name>odc_expendable_mon</name></requirements>
    </decltask>
    <declcollection name="Pipeline">
        <tasks><name>Sampler</name><name>Sampler</name><name>Monitor</name></tasks>
    </declcollection>
    <main name="main"><collection name="Pipeline"/></main>
</topology>`

const topoQuorum = `
<topology name="ex-quorum">
    <declrequirement name="reqOnline" type="groupname" value="online"/>
    <declrequirement name="odc_nmin_workers" type="custom" value="2"/>
    <decltask name="Worker"><exe>odc-ex-worker</exe></decltask>
    <declcollection name="Workers">
        <requirements><name>reqOnline</name><name>odc_nmin_workers</name></requirements>
        <tasks><name>Worker</name><name>Worker</name></tasks>
    </declcollection>
    <main name="main">
        <group name="WorkerGroup" n="4">
            <collection name="Workers"/>
        </group>
    </main>
</topology>`

func writeTopo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

type fixture struct {
	sim   *ddstest.Sim
	coord *Coordinator
	rt    *topology.Runtime
	reqs  *topology.Requirements
}

func newFixture(t *testing.T, topoXML string, configure func(*ddstest.Sim), block bool) *fixture {
	t.Helper()

	sim := ddstest.New()
	t.Cleanup(sim.Close)
	_, err := sim.Create()
	require.NoError(t, err)

	topoFile := writeTopo(t, topoXML)
	topo, err := topology.Load(topoFile)
	require.NoError(t, err)
	rt, err := topology.NewRuntime(topo)
	require.NoError(t, err)
	reqs, err := topology.ExtractRequirements(rt, nil)
	require.NoError(t, err)

	if configure != nil {
		configure(sim)
	}

	require.NoError(t, sim.ActivateTopology(t.Context(), topoFile, false, func(ev dds.TopologyEvent) {
		if ev.CollectionID != 0 && ev.Activated {
			if info := reqs.RuntimeCollectionIndex[ev.CollectionID]; info != nil {
				info.RuntimeCollectionAgents[ev.CollectionID] = ev.AgentID
			}
		}
	}))

	coord, err := New(Options{
		Session:              sim,
		Runtime:              rt,
		Requirements:         reqs,
		HeartbeatInterval:    50 * time.Millisecond,
		BlockUntilSubscribed: block,
		SubscribeTimeout:     5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	return &fixture{sim: sim, coord: coord, rt: rt, reqs: reqs}
}

func waitForAggregate(t *testing.T, c *Coordinator, want device.AggregatedState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.AggregateCurrentState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("aggregate state never reached %v, currently %v", want, c.AggregateCurrentState())
}

func TestConstructionSubscribesAllTasks(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	assert.Equal(t, 6, f.coord.SubscribedCount())
	waitForAggregate(t, f.coord, device.AggregatedIdle)
}

func TestChangeStateFullLifecycle(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	steps := []struct {
		transition device.Transition
		want       device.AggregatedState
	}{
		{device.TransitionInitDevice, device.AggregatedInitializingDevice},
		{device.TransitionCompleteInit, device.AggregatedInitialized},
		{device.TransitionBind, device.AggregatedBound},
		{device.TransitionConnect, device.AggregatedDeviceReady},
		{device.TransitionInitTask, device.AggregatedReady},
		{device.TransitionRun, device.AggregatedRunning},
		{device.TransitionStop, device.AggregatedReady},
		{device.TransitionResetTask, device.AggregatedDeviceReady},
		{device.TransitionResetDevice, device.AggregatedIdle},
		{device.TransitionEnd, device.AggregatedExiting},
	}
	for _, step := range steps {
		state, err := f.coord.ChangeState(step.transition, "", 5*time.Second)
		require.NoError(t, err, "transition %v", step.transition)
		assert.Equal(t, step.want, AggregateState(state), "transition %v", step.transition)
	}
}

func TestMixedStateAggregation(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	state, err := f.coord.ChangeState(device.TransitionInitDevice, ".*/Sampler.*", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedMixed, AggregateState(state))

	agg, err := f.coord.AggregateStateForPath(".*/Sampler.*")
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedInitializingDevice, agg)

	state, err = f.coord.ChangeState(device.TransitionInitDevice, ".*/(Processor|Sink).*", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedInitializingDevice, AggregateState(state))
}

func TestAggregateStateForSingleTaskPath(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	agg, err := f.coord.AggregateStateForPath("main/Pipeline_0/Sampler_0")
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedIdle, agg)

	_, err = f.coord.AggregateStateForPath(".*/Nothing.*")
	assert.Error(t, err)
}

func TestChangeStateTimeoutBeforeSubscription(t *testing.T) {
	f := newFixture(t, topoSixTasks, func(s *ddstest.Sim) {
		s.DropSubscriptions(true)
	}, false)

	_, err := f.coord.ChangeState(device.TransitionInitDevice, "", time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimeout)

	failed := f.coord.FailedTasks(device.InitializingDevice)
	assert.Len(t, failed, 6)
}

func TestSetAndGetProperties(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	_, err := f.coord.ChangeState(device.TransitionInitDevice, "", 5*time.Second)
	require.NoError(t, err)

	props := cc.Props{"k1": "v1", "k2": "v2", "k3": "v3"}
	failed, err := f.coord.SetProperties(props, "", 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, failed)

	result, err := f.coord.GetProperties("^k.*", "", 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	require.Len(t, result.Devices, 6)
	for taskID, got := range result.Devices {
		assert.Equal(t, props, got, "task %d", taskID)
	}
}

func TestSetPropertiesPartialFailure(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	sampler, ok := f.rt.TaskByPath("main/Pipeline_0/Sampler_0")
	require.True(t, ok)
	f.sim.FailSetProperties(sampler.ID)

	failed, err := f.coord.SetProperties(cc.Props{"k1": "v1"}, "", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetPropertiesFailed)
	assert.Equal(t, []uint64{sampler.ID}, failed)
}

func TestGetPropertiesFiltersByQuery(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	_, err := f.coord.SetProperties(cc.Props{"alpha": "1", "beta": "2"}, "", 5*time.Second)
	require.NoError(t, err)

	result, err := f.coord.GetProperties("^alpha$", "", 5*time.Second)
	require.NoError(t, err)
	for _, got := range result.Devices {
		assert.Equal(t, cc.Props{"alpha": "1"}, got)
	}
}

func TestExpendableTaskAbsorbed(t *testing.T) {
	f := newFixture(t, topoExpendable, func(s *ddstest.Sim) {
		require.NoError(t, s.CrashOnTransition(device.TransitionRun, ".*/Monitor.*"))
	}, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	for _, tr := range []device.Transition{
		device.TransitionInitDevice, device.TransitionCompleteInit, device.TransitionBind,
		device.TransitionConnect, device.TransitionInitTask,
	} {
		_, err := f.coord.ChangeState(tr, "", 5*time.Second)
		require.NoError(t, err)
	}

	state, err := f.coord.ChangeState(device.TransitionRun, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedRunning, AggregateState(state))

	monitor, ok := f.rt.TaskByPath("main/Pipeline_0/Monitor_0")
	require.True(t, ok)
	for _, ds := range state {
		if ds.TaskID == monitor.ID {
			assert.True(t, ds.Ignored)
			assert.Equal(t, device.Error, ds.State)
		}
	}
}

func TestQuorumEnforcement(t *testing.T) {
	f := newFixture(t, topoQuorum, func(s *ddstest.Sim) {
		// two of four runtime collections fail while starting
		require.NoError(t, s.ExitOnTransition(device.TransitionRun, "main/WorkerGroup/Workers_0/.*", 1))
		require.NoError(t, s.ExitOnTransition(device.TransitionRun, "main/WorkerGroup/Workers_1/.*", 1))
	}, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	for _, tr := range []device.Transition{
		device.TransitionInitDevice, device.TransitionCompleteInit, device.TransitionBind,
		device.TransitionConnect, device.TransitionInitTask,
	} {
		_, err := f.coord.ChangeState(tr, "", 5*time.Second)
		require.NoError(t, err)
	}

	state, err := f.coord.ChangeState(device.TransitionRun, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedRunning, AggregateState(state))

	colInfo := f.reqs.Collections["Workers"]
	assert.Equal(t, int32(2), colInfo.NCurrent)
	assert.Len(t, colInfo.FailedRuntimeCollections, 2)

	// the agents hosting the failed collections were asked to shut down
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.sim.ShutdownRequests()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Len(t, f.sim.ShutdownRequests(), 2)

	// a third failure drops below nMin and is a hard failure
	require.NoError(t, f.sim.ExitOnTransition(device.TransitionStop, "main/WorkerGroup/Workers_2/.*", 1))
	_, err = f.coord.ChangeState(device.TransitionStop, "", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChangeStateFailed)
	assert.Equal(t, int32(1), colInfo.NCurrent)
}

func TestWaitForState(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)

	failed, err := f.coord.WaitForState(device.Undefined, device.Idle, "", 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestConcurrentChangeStateOnDisjointPaths(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	type outcome struct {
		err   error
		state TopoState
	}
	samplerDone := make(chan outcome, 1)
	restDone := make(chan outcome, 1)

	require.NoError(t, f.coord.AsyncChangeState(device.TransitionInitDevice, ".*/Sampler.*", 5*time.Second,
		func(err error, state TopoState) { samplerDone <- outcome{err, state} }))
	require.NoError(t, f.coord.AsyncChangeState(device.TransitionInitDevice, ".*/(Processor|Sink).*", 5*time.Second,
		func(err error, state TopoState) { restDone <- outcome{err, state} }))

	a := <-samplerDone
	b := <-restDone
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	waitForAggregate(t, f.coord, device.AggregatedInitializingDevice)
}

func TestDuplicateTransitionIsNotAnError(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	_, err := f.coord.ChangeState(device.TransitionInitDevice, "", 5*time.Second)
	require.NoError(t, err)

	// repeating the transition: devices reject it, but they already sit in
	// the target state, so the operation completes ok
	state, err := f.coord.ChangeState(device.TransitionInitDevice, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, device.AggregatedInitializingDevice, AggregateState(state))
}

func TestInvalidTransitionFails(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	// Run is not legal from Idle and the devices are nowhere near Running
	_, err := f.coord.ChangeState(device.TransitionRun, "", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrOperationTimeout))
}

func TestHeartbeatsEmittedWhileAlive(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && f.sim.HeartbeatCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, f.sim.HeartbeatCount(), 2)

	f.coord.Stop()
	after := f.sim.HeartbeatCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, f.sim.HeartbeatCount())
}

func TestStopDrainsSubscriptions(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	require.Equal(t, 6, f.coord.SubscribedCount())

	f.coord.Stop()
	assert.Equal(t, 0, f.coord.SubscribedCount())
	assert.Equal(t, 0, f.sim.SubscribedCount())
}

func TestStopCancelsOutstandingOps(t *testing.T) {
	f := newFixture(t, topoSixTasks, func(s *ddstest.Sim) {
		s.DropSubscriptions(true)
	}, false)

	done := make(chan error, 1)
	require.NoError(t, f.coord.AsyncChangeState(device.TransitionInitDevice, "", time.Minute,
		func(err error, _ TopoState) { done <- err }))

	f.coord.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOperationCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("operation was not canceled by Stop")
	}
}

func TestDuplicateSubscriptionConfirmationIsNoOp(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	require.Equal(t, 6, f.coord.SubscribedCount())

	task := f.rt.Tasks[0]
	data, err := cc.Cmds{&cc.StateChangeSubscription{TaskID: task.ID, Result: cc.ResultOk}}.Marshal()
	require.NoError(t, err)
	f.coord.handleCommands(data, task.ID)

	assert.Equal(t, 6, f.coord.SubscribedCount())
}

func TestTaskDoneDuringOperation(t *testing.T) {
	f := newFixture(t, topoSixTasks, nil, true)
	waitForAggregate(t, f.coord, device.AggregatedIdle)

	_, err := f.coord.ChangeState(device.TransitionInitDevice, "", 5*time.Second)
	require.NoError(t, err)

	sink, ok := f.rt.TaskByPath("main/Pipeline_0/Sink_0")
	require.True(t, ok)

	// the sink dies instead of transitioning; no quorum, not expendable
	require.NoError(t, f.sim.ExitOnTransition(device.TransitionCompleteInit, ".*/Sink.*", 137))

	done := make(chan error, 1)
	require.NoError(t, f.coord.AsyncChangeState(device.TransitionCompleteInit, ".*/Sink.*", 5*time.Second,
		func(err error, _ TopoState) { done <- err }))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChangeStateFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not fail on task exit")
	}

	state := f.coord.CurrentState()
	for _, ds := range state {
		if ds.TaskID == sink.ID {
			assert.Equal(t, device.Error, ds.State)
			assert.Equal(t, 137, ds.ExitCode)
		}
	}
}
