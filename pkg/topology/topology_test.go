package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topoInfinite = `
<topology name="ex-infinite">
    <decltask name="Device">
        <exe>odc-ex-device</exe>
    </decltask>
    <declcollection name="EPNCollection">
        <tasks>
            <name>Device</name><name>Device</name><name>Device</name><name>Device</name>
            <name>Device</name><name>Device</name><name>Device</name><name>Device</name>
            <name>Device</name><name>Device</name><name>Device</name><name>Device</name>
        </tasks>
    </declcollection>
    <main name="main">
        <collection name="EPNCollection"/>
    </main>
</topology>`

const topoGroupname = `
<topology name="ex-groupname">
    <declrequirement name="reqCalib" type="groupname" value="calib"/>
    <declrequirement name="reqOnline" type="groupname" value="online"/>
    <declrequirement name="odc_nmin_processors" type="custom" value="2"/>
    <decltask name="Sampler"><exe>odc-ex-sampler</exe></decltask>
    <decltask name="Sink"><exe>odc-ex-sink</exe></decltask>
    <decltask name="Processor"><exe>odc-ex-processor</exe></decltask>
    <declcollection name="SamplersSinks">
        <requirements><name>reqCalib</name></requirements>
        <tasks><name>Sampler</name><name>Sink</name></tasks>
    </declcollection>
    <declcollection name="Processors">
        <requirements><name>reqOnline</name><name>odc_nmin_processors</name></requirements>
        <tasks><name>Processor</name><name>Processor</name></tasks>
    </declcollection>
    <main name="main">
        <collection name="SamplersSinks"/>
        <group name="ProcessorGroup" n="4">
            <collection name="Processors"/>
        </group>
    </main>
</topology>`

const topoNCores = `
<topology name="ex-ncores">
    <declrequirement name="reqCalib1" type="groupname" value="calib1"/>
    <declrequirement name="reqCalib2" type="groupname" value="calib2"/>
    <declrequirement name="reqOnline" type="groupname" value="online"/>
    <declrequirement name="odc_zone_calib" type="custom" value="calib"/>
    <declrequirement name="odc_ncores_two" type="custom" value="2"/>
    <declrequirement name="odc_ncores_one" type="custom" value="1"/>
    <decltask name="Sampler"><exe>odc-ex-sampler</exe></decltask>
    <decltask name="Sink"><exe>odc-ex-sink</exe></decltask>
    <decltask name="Processor"><exe>odc-ex-processor</exe></decltask>
    <declcollection name="Samplers">
        <requirements><name>reqCalib1</name><name>odc_zone_calib</name><name>odc_ncores_two</name></requirements>
        <tasks><name>Sampler</name></tasks>
    </declcollection>
    <declcollection name="Sinks">
        <requirements><name>reqCalib2</name><name>odc_zone_calib</name><name>odc_ncores_one</name></requirements>
        <tasks><name>Sink</name></tasks>
    </declcollection>
    <declcollection name="Processors">
        <requirements><name>reqOnline</name></requirements>
        <tasks><name>Processor</name></tasks>
    </declcollection>
    <main name="main">
        <collection name="Samplers"/>
        <collection name="Sinks"/>
        <group name="ProcessorGroup" n="4">
            <collection name="Processors"/>
        </group>
    </main>
</topology>`

func TestParseRejectsBadReferences(t *testing.T) {
	_, err := Parse([]byte(`
<topology name="broken">
    <decltask name="A"><exe>a</exe></decltask>
    <main name="main"><collection name="Missing"/></main>
</topology>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing")
}

func TestRuntimeExpansion(t *testing.T) {
	topo, err := Parse([]byte(topoGroupname))
	require.NoError(t, err)
	rt, err := NewRuntime(topo)
	require.NoError(t, err)

	// 1 SamplersSinks (2 tasks) + 4 Processors (2 tasks each)
	assert.Equal(t, 10, rt.NumTasks())
	assert.Len(t, rt.Collections, 5)

	task, ok := rt.TaskByPath("main/SamplersSinks_0/Sampler_0")
	require.True(t, ok)
	assert.Equal(t, "Sampler", task.Name)
	assert.NotZero(t, task.CollectionID)

	// repeated task templates get distinct instance suffixes
	_, ok = rt.TaskByPath("main/ProcessorGroup/Processors_2/Processor_1")
	assert.True(t, ok)
}

func TestTasksMatching(t *testing.T) {
	topo, err := Parse([]byte(topoGroupname))
	require.NoError(t, err)
	rt, err := NewRuntime(topo)
	require.NoError(t, err)

	all, err := rt.TasksMatching("")
	require.NoError(t, err)
	assert.Len(t, all, 10)

	samplers, err := rt.TasksMatching(".*/Sampler_.*")
	require.NoError(t, err)
	assert.Len(t, samplers, 1)

	processors, err := rt.TasksMatching(".*/Processor.*")
	require.NoError(t, err)
	assert.Len(t, processors, 8)

	_, err = rt.TasksMatching("[broken")
	assert.Error(t, err)
}

func extract(t *testing.T, xml string) (*Runtime, *Requirements) {
	t.Helper()
	topo, err := Parse([]byte(xml))
	require.NoError(t, err)
	rt, err := NewRuntime(topo)
	require.NoError(t, err)
	reqs, err := ExtractRequirements(rt, nil)
	require.NoError(t, err)
	return rt, reqs
}

func TestExtractSimple(t *testing.T) {
	_, reqs := extract(t, topoInfinite)

	assert.Empty(t, reqs.ZoneInfo)
	assert.Empty(t, reqs.NInfo)
	require.Len(t, reqs.Collections, 1)

	col := reqs.Collections["EPNCollection"]
	require.NotNil(t, col)
	assert.Equal(t, "", col.Zone)
	assert.Equal(t, "", col.AgentGroup)
	assert.Equal(t, int32(1), col.NOriginal)
	assert.Equal(t, int32(-1), col.NMin)
	assert.Equal(t, int32(12), col.NumTasks)
	assert.Equal(t, int32(12), col.TotalTasks)

	require.Len(t, reqs.AgentGroups, 1)
	agi := reqs.AgentGroups[""]
	require.NotNil(t, agi)
	assert.Equal(t, int32(1), agi.NumAgents)
	assert.Equal(t, int32(-1), agi.MinAgents)
	assert.Equal(t, int32(12), agi.NumSlots)
}

func TestExtractZonesFromAgentGroupNames(t *testing.T) {
	_, reqs := extract(t, topoGroupname)

	require.Len(t, reqs.ZoneInfo, 2)
	require.Len(t, reqs.ZoneInfo["calib"], 1)
	assert.Equal(t, ZoneGroup{N: 1, NCores: 0, AgentGroup: "calib"}, reqs.ZoneInfo["calib"][0])
	require.Len(t, reqs.ZoneInfo["online"], 1)
	assert.Equal(t, ZoneGroup{N: 4, NCores: 0, AgentGroup: "online"}, reqs.ZoneInfo["online"][0])

	require.Len(t, reqs.Collections, 2)
	ss := reqs.Collections["SamplersSinks"]
	assert.Equal(t, "calib", ss.Zone)
	assert.Equal(t, "calib", ss.AgentGroup)
	assert.Equal(t, int32(1), ss.NOriginal)
	assert.Equal(t, int32(-1), ss.NMin)
	assert.Equal(t, int32(2), ss.NumTasks)
	assert.Equal(t, int32(2), ss.TotalTasks)

	proc := reqs.Collections["Processors"]
	assert.Equal(t, "online", proc.Zone)
	assert.Equal(t, int32(4), proc.NOriginal)
	assert.Equal(t, int32(2), proc.NMin)
	assert.Equal(t, int32(8), proc.TotalTasks)

	require.Len(t, reqs.NInfo, 2)
	assert.Equal(t, int32(-1), reqs.NInfo["SamplersSinks"].NMin)
	assert.Equal(t, int32(2), reqs.NInfo["Processors"].NMin)
	assert.Equal(t, int32(4), reqs.NInfo["Processors"].NOriginal)

	require.Len(t, reqs.AgentGroups, 2)
	online := reqs.AgentGroups["online"]
	assert.Equal(t, int32(4), online.NumAgents)
	assert.Equal(t, int32(2), online.MinAgents)
	assert.Equal(t, int32(2), online.NumSlots)
}

func TestExtractZonesWithNCores(t *testing.T) {
	_, reqs := extract(t, topoNCores)

	require.Len(t, reqs.ZoneInfo, 2)
	require.Len(t, reqs.ZoneInfo["calib"], 2)
	assert.Equal(t, ZoneGroup{N: 1, NCores: 2, AgentGroup: "calib1"}, reqs.ZoneInfo["calib"][0])
	assert.Equal(t, ZoneGroup{N: 1, NCores: 1, AgentGroup: "calib2"}, reqs.ZoneInfo["calib"][1])

	require.Len(t, reqs.Collections, 3)
	assert.Equal(t, int32(2), reqs.Collections["Samplers"].NCores)
	assert.Equal(t, int32(1), reqs.Collections["Sinks"].NCores)
	assert.Equal(t, int32(0), reqs.Collections["Processors"].NCores)
	// nMin requirement absent everywhere here
	assert.Equal(t, int32(-1), reqs.Collections["Processors"].NMin)

	require.Len(t, reqs.AgentGroups, 3)
	assert.Equal(t, int32(2), reqs.AgentGroups["calib1"].NumCores)
	assert.Equal(t, int32(1), reqs.AgentGroups["calib2"].NumCores)
}

func TestExtractExpendable(t *testing.T) {
	rt, reqs := extract(t, `
<topology name="ex-expendable">
    <declrequirement name="odc_expendable_monitor" type="custom" value="true"/>
    <decltask name="Monitor">
        <exe>odc-ex-monitor</exe>
        <requirements><name>odc_expendable_monitor</name></requirements>
    </decltask>
    <decltask name="Worker"><exe>odc-ex-worker</exe></decltask>
    <declcollection name="Col">
        <tasks><name>Monitor</name><name>Worker</name></tasks>
    </declcollection>
    <main name="main"><collection name="Col"/></main>
</topology>`)

	require.Len(t, reqs.Expendable, 1)
	task, ok := rt.TaskByPath("main/Col_0/Monitor_0")
	require.True(t, ok)
	_, expendable := reqs.Expendable[task.ID]
	assert.True(t, expendable)
}

func TestExtractExpendableRequirementName(t *testing.T) {
	// The value decides, the requirement name only selects the setting.
	_, reqs := extract(t, `
<topology name="ex-expendable-false">
    <declrequirement name="odc_expendable_monitor" type="custom" value="false"/>
    <decltask name="Monitor">
        <exe>odc-ex-monitor</exe>
        <requirements><name>odc_expendable_monitor</name></requirements>
    </decltask>
    <main name="main">
        <group name="g" n="2"><task name="Monitor"/></group>
    </main>
</topology>`)
	assert.Empty(t, reqs.Expendable)
	require.Len(t, reqs.StandaloneTasks, 1)
	assert.Equal(t, int32(2), reqs.StandaloneTasks[0].N)
	assert.Equal(t, "g", reqs.StandaloneTasks[0].TopoParent)
}

func TestRuntimeCollectionIndex(t *testing.T) {
	rt, reqs := extract(t, topoGroupname)

	assert.Len(t, reqs.RuntimeCollectionIndex, 5)
	for _, rc := range rt.Collections {
		info := reqs.RuntimeCollectionIndex[rc.ID]
		require.NotNil(t, info)
		assert.Equal(t, rc.Name, info.Name)
		_, tracked := info.RuntimeCollectionAgents[rc.ID]
		assert.True(t, tracked)
	}
}

func TestSetGroupN(t *testing.T) {
	topo, err := Parse([]byte(topoGroupname))
	require.NoError(t, err)

	require.NoError(t, topo.SetGroupN("Processors", 2))
	rt, err := NewRuntime(topo)
	require.NoError(t, err)
	assert.Equal(t, 6, rt.NumTasks())

	assert.Error(t, topo.SetGroupN("SamplersSinks", 1))
}
