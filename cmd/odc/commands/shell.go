package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/controller"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/dds/ddstest"
)

var shellPartition string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive control shell against a local in-process deployment backend",
	Long: `shell starts an interactive session that drives a partition controller
backed by the in-process deployment simulator. It is meant for local
development and for exploring topology files without a real cluster.`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVarP(&shellPartition, "partition", "p", "local", "partition ID to control")
}

const shellHelp = `Available commands:
  .init [sessionID]        create a deployment session (or attach)
  .submit <plugin> <res>   submit agents via a resource plugin
  .activate <topoFile>     activate a topology
  .run <topoFile>          init + submit (topology resources) + activate
  .config [path]           InitDevice->...->InitTask
  .start [path]            Run transition
  .stop [path]             Stop transition
  .reset [path]            ResetTask + ResetDevice
  .term [path]             End transition
  .state [path]            aggregated state
  .prop k=v [k=v ...]      set device properties
  .status                  list partitions
  .down                    shut the partition down
  .help                    this text
  .quit                    leave the shell`

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zones, err := cfg.ZoneConfigs()
	if err != nil {
		return err
	}

	sim := ddstest.New()
	defer sim.Close()

	ctrl, err := controller.New(controller.Config{
		DefaultTimeout: cfg.Controller.DefaultTimeout,
		RMS:            cfg.Controller.RMS,
		Zones:          zones,
		RestoreID:      cfg.Controller.RestoreID,
		RestoreDir:     cfg.Controller.RestoreDir,
		HistoryDir:     cfg.Controller.HistoryDir,
	}, func(string) dds.Session { return sim })
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.RegisterResourcePlugins(cfg.Controller.Plugins); err != nil {
		return err
	}
	ctrl.Restore()

	fmt.Println(shellHelp)

	runNr := uint64(0)
	for {
		prompt := promptui.Prompt{Label: shellPartition}
		line, perr := prompt.Run()
		if perr != nil {
			// interrupt or EOF leaves the shell
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		common := controller.CommonParams{PartitionID: shellPartition, RunNr: runNr}
		arg := func(i int) string {
			if len(fields) > i {
				return fields[i]
			}
			return ""
		}

		switch fields[0] {
		case ".quit":
			return nil
		case ".help":
			fmt.Println(shellHelp)
		case ".init":
			printResult(ctrl.Initialize(common, controller.InitializeParams{DDSSessionID: arg(1)}))
		case ".submit":
			printResult(ctrl.Submit(common, controller.SubmitRequestParams{Plugin: arg(1), Resources: arg(2)}))
		case ".activate":
			printResult(ctrl.Activate(common, controller.TopologyParams{TopoFile: arg(1)}))
		case ".run":
			printResult(ctrl.Run(common, controller.RunParams{
				TopologyParams:       controller.TopologyParams{TopoFile: arg(1)},
				ExtractTopoResources: true,
			}))
		case ".config":
			printResult(ctrl.Configure(common, controller.DeviceParams{Path: arg(1)}))
		case ".start":
			runNr++
			common.RunNr = runNr
			printResult(ctrl.Start(common, controller.DeviceParams{Path: arg(1)}))
		case ".stop":
			printResult(ctrl.Stop(common, controller.DeviceParams{Path: arg(1)}))
		case ".reset":
			printResult(ctrl.Reset(common, controller.DeviceParams{Path: arg(1)}))
		case ".term":
			printResult(ctrl.Terminate(common, controller.DeviceParams{Path: arg(1)}))
		case ".state":
			printResult(ctrl.GetState(common, controller.DeviceParams{Path: arg(1)}))
		case ".prop":
			props := make(cc.Props)
			for _, kv := range fields[1:] {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					fmt.Printf("ignoring malformed property %q, expected key=value\n", kv)
					continue
				}
				props[parts[0]] = parts[1]
			}
			printResult(ctrl.SetProperties(common, controller.SetPropertiesParams{Props: props}))
		case ".status":
			printStatus(ctrl.Status(controller.StatusParams{}))
		case ".down":
			printResult(ctrl.Shutdown(common))
		default:
			fmt.Printf("unknown command %q, try .help\n", fields[0])
		}
	}
}

func printResult(result controller.RequestResult) {
	if result.StatusCode == controller.StatusOK {
		fmt.Printf("%s: state %s (%.1f ms)\n", result.Msg, result.AggregatedState, float64(result.ExecTime.Microseconds())/1000)
	} else {
		fmt.Printf("%s: FAILED: %v (state %s)\n", result.Msg, result.Error, result.AggregatedState)
	}
	if len(result.Hosts) > 0 {
		fmt.Printf("hosts: %s\n", strings.Join(result.Hosts, ", "))
	}
}

func printStatus(status controller.StatusResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Partition", "Session", "Status", "State"})
	for _, p := range status.Partitions {
		table.Append([]string{p.PartitionID, p.DDSSessionID, p.DDSSessionStatus.String(), p.AggregatedState.String()})
	}
	table.Render()
}
