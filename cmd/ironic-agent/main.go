// Command ironic-agent is the bare-metal provisioning agent binary: it
// advertises its host to a central provisioning service, accepts HTTP
// commands, and performs hardware inventory, erase, imaging, and cleaning
// operations.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rackerlabs/ironic-python-agent/internal/agent"
	"github.com/rackerlabs/ironic-python-agent/internal/apiclient"
	"github.com/rackerlabs/ironic-python-agent/internal/cleaning"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/config"
	"github.com/rackerlabs/ironic-python-agent/internal/decom"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rackerlabs/ironic-python-agent/internal/imaging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.AgentConfig{}
	var configFile string

	cmd := &cobra.Command{
		Use:   "ironic-agent",
		Short: "Bare-metal provisioning agent",
		Long: "ironic-agent runs inside an in-memory boot image on a physical host, " +
			"advertises the host to a central provisioning service, and carries out " +
			"hardware inventory, erase, imaging, and cleaning operations on it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				// Values given by flag or environment take precedence over
				// the file: remember them, load the file, then re-apply them.
				explicit := map[string]string{}
				cmd.Flags().VisitAll(func(f *pflag.Flag) {
					if f.Name != "config" && (f.Changed || (f.Value.Type() == "string" && f.DefValue != "")) {
						explicit[f.Name] = f.Value.String()
					}
				})
				if err := loadConfigFile(configFile, cfg); err != nil {
					return err
				}
				for name, value := range explicit {
					if err := cmd.Flags().Set(name, value); err != nil {
						return err
					}
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to an optional YAML configuration file")
	flags.StringVar(&cfg.APIURL, "api-url", envOr("IRONIC_API_URL", ""), "base URL of the central provisioning service")
	flags.StringVar(&cfg.AdvertiseHost, "advertise-host", envOr("IRONIC_ADVERTISE_HOST", ""), "IP address to advertise; auto-resolved if empty")
	flags.IntVar(&cfg.AdvertisePort, "advertise-port", 0, "port to advertise alongside advertise-host")
	flags.StringVar(&cfg.ListenHost, "listen-host", envOr("IRONIC_LISTEN_HOST", ""), "HTTP bind address")
	flags.IntVar(&cfg.ListenPort, "listen-port", 0, "HTTP bind port")
	flags.IntVar(&cfg.IPLookupAttempts, "ip-lookup-attempts", 0, "rounds to try resolving an advertise IP")
	flags.DurationVar(&cfg.IPLookupSleep, "ip-lookup-sleep", 0, "sleep between ip-lookup-attempts rounds")
	flags.StringVar(&cfg.NetworkInterface, "network-interface", envOr("IRONIC_NETWORK_INTERFACE", ""), "pin advertise-address resolution to one interface")
	flags.DurationVar(&cfg.LookupTimeout, "lookup-timeout", 0, "overall node-lookup retry budget")
	flags.DurationVar(&cfg.LookupInterval, "lookup-interval", 0, "starting backoff interval for node lookup")
	flags.StringVar(&cfg.DriverName, "driver-name", envOr("IRONIC_DRIVER_NAME", ""), "driver name for the lookup endpoint")
	flags.BoolVar(&cfg.Standalone, "standalone", false, "skip lookup/heartbeat, bind the HTTP surface only")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfigFile(path string, cfg *config.AgentConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func run(cfg *config.AgentConfig) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	hwRegistry := hardware.NewRegistry(log, func() []hardware.Manager {
		return []hardware.Manager{hardware.NewGenericManager(log)}
	})
	cmdRegistry := commandregistry.NewRegistry(log)

	cleaningProtocol := cleaning.NewProtocol(hwRegistry, log)
	registerCleaningCommands(cmdRegistry, cleaningProtocol)

	decom.Register(cmdRegistry, hwRegistry)

	workDir := "/tmp/ironic-agent"
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	imagingExt := imaging.NewExtension(hwRegistry, imaging.ScriptWriter{ScriptDir: "/usr/local/share/ironic-agent/shell"}, workDir, log)
	imagingExt.Register(cmdRegistry)

	var client *apiclient.Client
	if !cfg.Standalone {
		client = apiclient.New(cfg.APIURL, cfg.LookupInterval, cfg.LookupTimeout, log)
	}

	coordinator := agent.New(cfg, hwRegistry, cmdRegistry, client, cleaningProtocol, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return coordinator.Run(ctx)
}

// registerCleaningCommands wires the cleaning protocol's two operations
// into the command namespace under the "clean" extension, matching
// CleanExtension's get_clean_steps/execute_clean_step command map.
func registerCleaningCommands(reg *commandregistry.Registry, protocol *cleaning.Protocol) {
	reg.Register(commandregistry.Command{
		Extension: "clean",
		Name:      "get_clean_steps",
		Handler: func(params map[string]interface{}) (interface{}, error) {
			node, _ := params["node"].(map[string]interface{})
			ports, _ := params["ports"].([]interface{})
			return protocol.GetCleanSteps(hardware.Node(node), toPorts(ports))
		},
	})
	reg.Register(commandregistry.Command{
		Extension: "clean",
		Name:      "execute_clean_step",
		Async:     true,
		Handler: func(params map[string]interface{}) (interface{}, error) {
			stepRaw, _ := params["step"].(map[string]interface{})
			step := hardware.CleanStep{}
			if name, ok := stepRaw["step"].(string); ok {
				step.Step = name
			}
			if priority, ok := stepRaw["priority"].(float64); ok {
				step.Priority = int(priority)
			}
			node, _ := params["node"].(map[string]interface{})
			ports, _ := params["ports"].([]interface{})
			cleanVersion := toStringMap(params["clean_version"])
			return protocol.ExecuteCleanStep(step, hardware.Node(node), toPorts(ports), cleanVersion)
		},
	})
}

func toPorts(raw []interface{}) hardware.Ports {
	ports := make(hardware.Ports, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			ports = append(ports, m)
		}
	}
	return ports
}

func toStringMap(raw interface{}) map[string]string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
