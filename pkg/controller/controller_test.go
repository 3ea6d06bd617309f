package controller

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/odc/internal/logger"
	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/dds/ddstest"
	"github.com/marmos91/odc/pkg/device"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter(io.Discard, "ERROR", "text")
	os.Exit(m.Run())
}

const topoPipeline = `
<topology name="ex-pipeline">
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

const topoQuorumGroups = `
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

func writeTopoFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// newTestController builds a controller whose partitions all share one
// simulator instance.
func newTestController(t *testing.T, cfg Config, sim *ddstest.Sim) *Controller {
	t.Helper()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.RMS == "" {
		cfg.RMS = "localhost"
	}
	ctrl, err := New(cfg, func(string) dds.Session { return sim })
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func runPartition(t *testing.T, ctrl *Controller, partition, topoFile string) RequestResult {
	t.Helper()
	result := ctrl.Run(
		CommonParams{PartitionID: partition},
		RunParams{TopologyParams: TopologyParams{TopoFile: topoFile}, ExtractTopoResources: true})
	require.Equal(t, StatusOK, result.StatusCode, "run failed: %+v", result.Error)
	return result
}

func TestFullLifecycle(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	common := CommonParams{PartitionID: "lifecycle"}

	result := runPartition(t, ctrl, common.PartitionID, topoFile)
	assert.Equal(t, device.AggregatedIdle, result.AggregatedState)
	assert.NotEmpty(t, result.DDSSessionID)
	assert.NotEmpty(t, result.Hosts)

	result = ctrl.Configure(common, DeviceParams{Detailed: true})
	require.Equal(t, StatusOK, result.StatusCode, "configure failed: %+v", result.Error)
	assert.Equal(t, device.AggregatedReady, result.AggregatedState)
	require.NotNil(t, result.Detailed)
	assert.Len(t, result.Detailed.Tasks, 6)
	assert.Len(t, result.Detailed.Collections, 1)
	assert.NotEmpty(t, result.Detailed.Tasks[0].Host)

	common.RunNr = 42
	result = ctrl.Start(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode)
	assert.Equal(t, device.AggregatedRunning, result.AggregatedState)

	result = ctrl.GetState(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode)
	assert.Equal(t, device.AggregatedRunning, result.AggregatedState)

	result = ctrl.Stop(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode)
	assert.Equal(t, device.AggregatedReady, result.AggregatedState)

	result = ctrl.Reset(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode)
	assert.Equal(t, device.AggregatedIdle, result.AggregatedState)

	result = ctrl.Terminate(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode)
	assert.Equal(t, device.AggregatedExiting, result.AggregatedState)

	result = ctrl.Shutdown(common)
	require.Equal(t, StatusOK, result.StatusCode)

	status := ctrl.Status(StatusParams{})
	assert.Empty(t, status.Partitions)
}

func TestRepeatedRunIsRefused(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	runPartition(t, ctrl, "repeat", topoFile)

	result := ctrl.Run(
		CommonParams{PartitionID: "repeat"},
		RunParams{TopologyParams: TopologyParams{TopoFile: topoFile}, ExtractTopoResources: true})
	require.Equal(t, StatusError, result.StatusCode)
	require.NotNil(t, result.Error)
	assert.Equal(t, RequestNotSupported, result.Error.Code)
}

func TestActivateRequiresExactlyOneTopologySource(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)

	common := CommonParams{PartitionID: "shape"}
	result := ctrl.Initialize(common, InitializeParams{})
	require.Equal(t, StatusOK, result.StatusCode)

	result = ctrl.Activate(common, TopologyParams{TopoFile: "/tmp/a.xml", TopoContent: "<topology/>"})
	require.Equal(t, StatusError, result.StatusCode)
	assert.Equal(t, TopologyFailed, result.Error.Code)

	result = ctrl.Activate(common, TopologyParams{})
	require.Equal(t, StatusError, result.StatusCode)
	assert.Equal(t, TopologyFailed, result.Error.Code)
}

func TestActivateFromContentAndScript(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)

	common := CommonParams{PartitionID: "content"}
	require.Equal(t, StatusOK, ctrl.Initialize(common, InitializeParams{}).StatusCode)

	result := ctrl.Activate(common, TopologyParams{TopoContent: topoPipeline})
	require.Equal(t, StatusOK, result.StatusCode, "activate failed: %+v", result.Error)
	assert.Equal(t, device.AggregatedIdle, result.AggregatedState)
	require.Equal(t, StatusOK, ctrl.Shutdown(common).StatusCode)

	// a generator script producing the topology on stdout
	script := filepath.Join(t.TempDir(), "gen.sh")
	topoFile := writeTopoFile(t, topoPipeline)
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat "+topoFile+"\n"), 0755))

	common = CommonParams{PartitionID: "script"}
	require.Equal(t, StatusOK, ctrl.Initialize(common, InitializeParams{}).StatusCode)
	result = ctrl.Activate(common, TopologyParams{TopoScript: script})
	require.Equal(t, StatusOK, result.StatusCode, "activate failed: %+v", result.Error)
	assert.Equal(t, device.AggregatedIdle, result.AggregatedState)
}

func TestSetPropertiesRequest(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	common := CommonParams{PartitionID: "props"}
	runPartition(t, ctrl, common.PartitionID, topoFile)

	result := ctrl.SetProperties(common, SetPropertiesParams{Props: cc.Props{"k1": "v1", "k2": "v2"}})
	require.Equal(t, StatusOK, result.StatusCode, "set properties failed: %+v", result.Error)

	got, gres := ctrl.GetProperties(common, "", "^k.*")
	require.Equal(t, StatusOK, gres.StatusCode)
	assert.Empty(t, got.Failed)
	require.Len(t, got.Devices, 6)
	for _, props := range got.Devices {
		assert.Equal(t, cc.Props{"k1": "v1", "k2": "v2"}, props)
	}
}

func TestConfigureTimeoutReportsRequestTimeout(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	common := CommonParams{PartitionID: "timeout"}
	runPartition(t, ctrl, common.PartitionID, topoFile)

	// devices stop answering; a tiny request timeout must surface as
	// RequestTimeout, not hang
	sim.DropCommands(true)

	common.Timeout = 50 * time.Millisecond
	result := ctrl.Configure(common, DeviceParams{})
	require.Equal(t, StatusError, result.StatusCode)
	assert.Equal(t, RequestTimeout, result.Error.Code)
}

func TestStatusReportsRunningPartitions(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	runPartition(t, ctrl, "status-a", topoFile)

	status := ctrl.Status(StatusParams{})
	require.Len(t, status.Partitions, 1)
	assert.Equal(t, "status-a", status.Partitions[0].PartitionID)
	assert.Equal(t, DDSSessionRunning, status.Partitions[0].DDSSessionStatus)
	assert.Equal(t, device.AggregatedIdle, status.Partitions[0].AggregatedState)

	status = ctrl.Status(StatusParams{Running: true})
	assert.Len(t, status.Partitions, 1)
}

func TestQuorumFailureSurfacesAsChangeStateFailed(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoQuorumGroups)

	common := CommonParams{PartitionID: "quorum"}
	runPartition(t, ctrl, common.PartitionID, topoFile)

	require.NoError(t, sim.ExitOnTransition(device.TransitionRun, "main/WorkerGroup/Workers_0/.*", 1))
	require.NoError(t, sim.ExitOnTransition(device.TransitionRun, "main/WorkerGroup/Workers_1/.*", 1))

	result := ctrl.Configure(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode, "configure failed: %+v", result.Error)

	// two failures are absorbed by the quorum policy
	result = ctrl.Start(common, DeviceParams{})
	require.Equal(t, StatusOK, result.StatusCode, "start failed: %+v", result.Error)
	assert.Equal(t, device.AggregatedRunning, result.AggregatedState)

	// the third failure drops below nMin and is a hard failure
	require.NoError(t, sim.ExitOnTransition(device.TransitionStop, "main/WorkerGroup/Workers_2/.*", 1))
	result = ctrl.Stop(common, DeviceParams{})
	require.Equal(t, StatusError, result.StatusCode)
	assert.Equal(t, FairMQChangeStateFailed, result.Error.Code)
}

func TestSubmitRecoveryAdoptsReducedAgentCount(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{DefaultTimeout: 2 * time.Second}, sim)
	topoFile := writeTopoFile(t, topoQuorumGroups)

	// one of the four requested online agents never starts; nMin=2 allows
	// the run to proceed with a reduced topology
	sim.FailAgents("online", 1)

	result := ctrl.Run(
		CommonParams{PartitionID: "recovery"},
		RunParams{TopologyParams: TopologyParams{TopoFile: topoFile}, ExtractTopoResources: true})
	require.Equal(t, StatusOK, result.StatusCode, "run failed: %+v", result.Error)
	assert.Equal(t, device.AggregatedIdle, result.AggregatedState)

	// the reduced topology runs 3 collections of 2 tasks
	common := CommonParams{PartitionID: "recovery"}
	state := ctrl.GetState(common, DeviceParams{Detailed: true})
	require.NotNil(t, state.Detailed)
	assert.Len(t, state.Detailed.Tasks, 6)
}

func TestRestoreReattachesSessions(t *testing.T) {
	restoreDir := t.TempDir()

	simA := ddstest.New()
	defer simA.Close()
	ctrlA := newTestController(t, Config{RestoreID: "testid", RestoreDir: restoreDir}, simA)
	topoFile := writeTopoFile(t, topoPipeline)

	result := runPartition(t, ctrlA, "restored", topoFile)
	sessionID := result.DDSSessionID

	data, err := readRestoreFile("testid", restoreDir)
	require.NoError(t, err)
	require.Len(t, data.Partitions, 1)
	assert.Equal(t, "restored", data.Partitions[0].PartitionID)
	assert.Equal(t, sessionID, data.Partitions[0].DDSSessionID)

	// a fresh controller re-attaches using the restore file
	simB := ddstest.New()
	defer simB.Close()
	simB.AddAttachable(sessionID, topoFile)
	ctrlB := newTestController(t, Config{RestoreID: "testid", RestoreDir: restoreDir}, simB)

	ctrlB.Restore()

	status := ctrlB.Status(StatusParams{Running: true})
	require.Len(t, status.Partitions, 1)
	assert.Equal(t, "restored", status.Partitions[0].PartitionID)
	assert.Equal(t, sessionID, status.Partitions[0].DDSSessionID)
}

func TestShutdownClearsRestoreFile(t *testing.T) {
	restoreDir := t.TempDir()
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{RestoreID: "clear", RestoreDir: restoreDir}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	runPartition(t, ctrl, "gone", topoFile)
	require.Equal(t, StatusOK, ctrl.Shutdown(CommonParams{PartitionID: "gone"}).StatusCode)

	data, err := readRestoreFile("clear", restoreDir)
	require.NoError(t, err)
	assert.Empty(t, data.Partitions)
}

func TestPerPartitionSerialisation(t *testing.T) {
	sim := ddstest.New()
	defer sim.Close()
	ctrl := newTestController(t, Config{}, sim)
	topoFile := writeTopoFile(t, topoPipeline)

	common := CommonParams{PartitionID: "serial"}
	runPartition(t, ctrl, common.PartitionID, topoFile)

	// concurrent requests on the same partition must serialise, and every
	// reply must reflect a consistent aggregate
	done := make(chan RequestResult, 2)
	go func() { done <- ctrl.Configure(common, DeviceParams{}) }()
	go func() { done <- ctrl.GetState(common, DeviceParams{}) }()

	a := <-done
	b := <-done
	assert.Equal(t, StatusOK, a.StatusCode)
	assert.Equal(t, StatusOK, b.StatusCode)
}
