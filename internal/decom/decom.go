// Package decom implements the decommission-version guard command (§12
// supplemented feature): an async command, decom.erase_hardware, that
// first compares the agent's own
// decommission protocol version against the node's recorded version and
// refuses to proceed on a mismatch, forcing a reboot into a matching agent
// before erase_hardware runs.
package decom

import (
	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
)

// AgentDecommissionVersion is this build's decommission protocol version,
// bumped whenever erase_hardware's behavior changes in a way that requires
// the node to be talking to a matching agent build.
const AgentDecommissionVersion = "1"

// EraseHardware performs whatever erase_hardware means for the plugin set:
// best-match dispatch into Manager.RunCleanStep with a conventional step
// name, matching how the cleaning protocol dispatches named operations.
func EraseHardware(registry *hardware.Registry, node hardware.Node, ports hardware.Ports) (interface{}, error) {
	return registry.DispatchToManagers("erase_hardware", func(m hardware.Manager) (interface{}, error) {
		return m.RunCleanStep("erase_hardware", node, ports)
	})
}

// Register adds the decom extension's commands to the given registry.
func Register(reg *commandregistry.Registry, registry *hardware.Registry) {
	reg.Register(commandregistry.Command{
		Extension: "decom",
		Name:      "erase_hardware",
		Async:     true,
		Handler: func(params map[string]interface{}) (interface{}, error) {
			if err := checkDecommissionVersion(params); err != nil {
				return nil, err
			}
			node, _ := params["node"].(map[string]interface{})
			ports, _ := toPorts(params["ports"])
			return EraseHardware(registry, hardware.Node(node), ports)
		},
	})
}

func checkDecommissionVersion(params map[string]interface{}) error {
	nodeVersion, ok := params["decommission_version"].(string)
	if !ok || nodeVersion == "" {
		return nil
	}
	if nodeVersion != AgentDecommissionVersion {
		return apierrors.DecommissionVersionMismatch(AgentDecommissionVersion, nodeVersion)
	}
	return nil
}

func toPorts(raw interface{}) (hardware.Ports, bool) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	ports := make(hardware.Ports, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			ports = append(ports, m)
		}
	}
	return ports, true
}
