package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
)

// genericManagerFrom finds the built-in generic hardware manager among the
// registry's discovered plugins, for the coordinator's interface/IP
// enumeration during advertise-address resolution.
func genericManagerFrom(reg *hardware.Registry) *hardware.GenericManager {
	managers, err := reg.Managers()
	if err != nil {
		return nil
	}
	for _, m := range managers {
		if generic, ok := m.(*hardware.GenericManager); ok {
			return generic
		}
	}
	return nil
}

func prometheusDefaultRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}
