package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/odc/pkg/topology"
)

func writePlugin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "odc-rp-test")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestRegisterRejectsDuplicatesAndDirectories(t *testing.T) {
	reg := NewRegistry(nil)
	path := writePlugin(t, "exit 0")

	require.NoError(t, reg.Register("test", path))
	assert.Error(t, reg.Register("test", path))
	assert.Error(t, reg.Register("dir", t.TempDir()))
	assert.Error(t, reg.Register("missing", filepath.Join(t.TempDir(), "nope")))
}

func TestMakeParamsParsesPluginOutput(t *testing.T) {
	reg := NewRegistry(nil)
	path := writePlugin(t, `cat <<EOF
- rms: slurm
  agents: 4
  minAgents: 2
  slots: 8
  cores: 2
  configFile: /etc/odc/online.cfg
  agentGroup: online
- rms: slurm
  agents: 1
  slots: 2
  agentGroup: calib
EOF`)
	require.NoError(t, reg.Register("test", path))

	params, err := reg.MakeParams(t.Context(), "test", "<res/>", "p1", 7, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, params, 2)

	assert.Equal(t, "slurm", params[0].RMS)
	assert.Equal(t, int32(4), params[0].NumAgents)
	assert.Equal(t, int32(2), params[0].MinAgents)
	assert.Equal(t, int32(8), params[0].NumSlots)
	assert.Equal(t, "online", params[0].AgentGroup)
	assert.Equal(t, "/etc/odc/online.cfg", params[0].ConfigFile)

	assert.Equal(t, int32(1), params[1].NumAgents)
	assert.Equal(t, "calib", params[1].AgentGroup)
}

func TestMakeParamsUnregisteredPlugin(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.MakeParams(t.Context(), "ghost", "", "p1", 0, time.Second)
	assert.Error(t, err)
}

func TestMakeParamsPluginFailure(t *testing.T) {
	reg := NewRegistry(nil)
	path := writePlugin(t, "echo boom >&2; exit 3")
	require.NoError(t, reg.Register("test", path))

	_, err := reg.MakeParams(t.Context(), "test", "", "p1", 0, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestMakeParamsPluginTimeout(t *testing.T) {
	reg := NewRegistry(nil)
	path := writePlugin(t, "sleep 10")
	require.NoError(t, reg.Register("test", path))

	_, err := reg.MakeParams(t.Context(), "test", "", "p1", 0, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestMakeParamsRejectsGarbageOutput(t *testing.T) {
	reg := NewRegistry(nil)
	path := writePlugin(t, "echo 'not: [valid'")
	require.NoError(t, reg.Register("test", path))

	_, err := reg.MakeParams(t.Context(), "test", "", "p1", 0, 5*time.Second)
	assert.Error(t, err)
}

func TestMakeParamsFromTopology(t *testing.T) {
	groups := map[string]*topology.AgentGroupInfo{
		"online": {Name: "online", Zone: "online", NumAgents: 4, MinAgents: 2, NumSlots: 8, NumCores: 0},
		"calib":  {Name: "calib", Zone: "calib", NumAgents: 1, MinAgents: -1, NumSlots: 2, NumCores: 16},
	}
	zones := map[string]ZoneConfig{
		"online": {ConfigFile: "/etc/odc/online.cfg", EnvFile: "/etc/odc/online.env"},
	}

	params, err := MakeParamsFromTopology("slurm", zones, groups)
	require.NoError(t, err)
	require.Len(t, params, 2)

	// deterministic group order
	assert.Equal(t, "calib", params[0].AgentGroup)
	assert.Equal(t, int32(0), params[0].MinAgents) // -1 means no minimum
	assert.Equal(t, int32(16), params[0].NumCores)
	assert.Empty(t, params[0].ConfigFile)

	assert.Equal(t, "online", params[1].AgentGroup)
	assert.Equal(t, int32(2), params[1].MinAgents)
	assert.Equal(t, "/etc/odc/online.cfg", params[1].ConfigFile)
	assert.Equal(t, "/etc/odc/online.env", params[1].EnvFile)

	_, err = MakeParamsFromTopology("slurm", nil, nil)
	assert.Error(t, err)
}
