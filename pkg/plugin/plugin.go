// Package plugin implements the resource-plugin adapter: translation of a
// client-supplied resource description into agent-submission parameters,
// either by invoking a registered external plugin executable or by
// synthesising the parameters directly from the topology's agent groups.
package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/topology"
)

// ZoneConfig carries the per-zone submission files handed to the
// deployment layer.
type ZoneConfig struct {
	ConfigFile string
	EnvFile    string
}

// submitRecord is the YAML shape a plugin prints on stdout, one list
// entry per submission pass.
type submitRecord struct {
	RMS        string `yaml:"rms"`
	Agents     int32  `yaml:"agents"`
	MinAgents  int32  `yaml:"minAgents"`
	Slots      int32  `yaml:"slots"`
	Cores      int32  `yaml:"cores"`
	ConfigFile string `yaml:"configFile"`
	EnvFile    string `yaml:"envFile"`
	AgentGroup string `yaml:"agentGroup"`
}

// Registry holds the registered resource plugins.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]string // name -> executable path
	log     *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{plugins: make(map[string]string), log: log}
}

// Register binds a plugin name to an executable path. Registering the
// same name twice is an error, as is a path that does not exist or is a
// directory. The file's execute permission is not checked.
func (r *Registry) Register(name, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("failed to register resource plugin %q: a plugin with the same name is already registered", name)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to register resource plugin %q: %w", name, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to register resource plugin %q: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("failed to register resource plugin %q: path %q is a directory", name, abs)
	}

	r.log.Info("registered resource plugin", "plugin", name, "path", abs)
	r.plugins[name] = abs
	return nil
}

// lookup returns the executable path of a registered plugin.
func (r *Registry) lookup(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.plugins[name]
	if !ok {
		return "", fmt.Errorf("resource plugin %q is not registered", name)
	}
	return path, nil
}

// MakeParams invokes the named plugin with the resource description and
// parses its stdout into submission parameters. The plugin receives the
// partition ID and run number so it can scope its own bookkeeping.
func (r *Registry) MakeParams(ctx context.Context, name, resources, partitionID string, runNr uint64, timeout time.Duration) ([]dds.SubmitParams, error) {
	path, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path,
		"--res", resources,
		"--partition-id", partitionID,
		"--run-nr", fmt.Sprintf("%d", runNr))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	r.log.Debug("resource plugin finished", "plugin", name, "duration", time.Since(start), "stderr", stderr.String())

	if ctx.Err() != nil {
		return nil, fmt.Errorf("resource plugin %q timed out after %s", name, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("resource plugin %q failed: %w, stderr: %s", name, err, stderr.String())
	}

	return parseOutput(name, stdout.Bytes())
}

func parseOutput(name string, out []byte) ([]dds.SubmitParams, error) {
	var records []submitRecord
	if err := yaml.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("resource plugin %q produced unparsable output: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("resource plugin %q produced no submission parameters", name)
	}

	params := make([]dds.SubmitParams, 0, len(records))
	for _, rec := range records {
		if rec.Agents <= 0 {
			return nil, fmt.Errorf("resource plugin %q produced a record with no agents", name)
		}
		params = append(params, dds.SubmitParams{
			RMS:        rec.RMS,
			NumAgents:  rec.Agents,
			MinAgents:  rec.MinAgents,
			NumSlots:   rec.Slots,
			NumCores:   rec.Cores,
			ConfigFile: rec.ConfigFile,
			EnvFile:    rec.EnvFile,
			AgentGroup: rec.AgentGroup,
		})
	}
	return params, nil
}

// MakeParamsFromTopology synthesises submission parameters from the agent
// groups extracted from the topology, without invoking any plugin. Zone
// configs supply the per-zone config and environment files.
func MakeParamsFromTopology(rms string, zones map[string]ZoneConfig, agentGroups map[string]*topology.AgentGroupInfo) ([]dds.SubmitParams, error) {
	if len(agentGroups) == 0 {
		return nil, fmt.Errorf("topology has no agent groups to derive submission parameters from")
	}

	names := make([]string, 0, len(agentGroups))
	for name := range agentGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]dds.SubmitParams, 0, len(agentGroups))
	for _, name := range names {
		agi := agentGroups[name]
		minAgents := agi.MinAgents
		if minAgents < 0 {
			minAgents = 0
		}
		p := dds.SubmitParams{
			RMS:        rms,
			NumAgents:  agi.NumAgents,
			MinAgents:  minAgents,
			NumSlots:   agi.NumSlots,
			NumCores:   agi.NumCores,
			AgentGroup: agi.Name,
		}
		if zone, ok := zones[agi.Zone]; ok {
			p.ConfigFile = zone.ConfigFile
			p.EnvFile = zone.EnvFile
		}
		params = append(params, p)
	}
	return params, nil
}
