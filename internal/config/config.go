// Package config holds the agent's startup configuration surface
// (spec.md §6), layered as flags over environment over an optional YAML
// file, matching the teacher's flags-then-env-then-defaults precedence.
package config

import (
	"fmt"
	"time"
)

// AgentConfig is the full startup configuration surface for the agent.
type AgentConfig struct {
	// APIURL is the base URL of the central provisioning service.
	APIURL string `yaml:"api_url"`

	// AdvertiseHost is the IP this agent reports to the central service as
	// its own. Empty means "resolve automatically" (spec.md §4.6 step 2).
	AdvertiseHost string `yaml:"advertise_host"`

	// AdvertisePort is the port advertised alongside AdvertiseHost.
	AdvertisePort int `yaml:"advertise_port"`

	// ListenHost/ListenPort are the HTTP bind address for this agent's own
	// command surface.
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// IPLookupAttempts/IPLookupSleep bound the advertise-address resolution
	// loop (spec.md §4.6 step 2).
	IPLookupAttempts int           `yaml:"ip_lookup_attempts"`
	IPLookupSleep    time.Duration `yaml:"ip_lookup_sleep"`

	// NetworkInterface pins advertise-address resolution to one interface.
	// Empty means consider every non-loopback interface.
	NetworkInterface string `yaml:"network_interface"`

	// LookupTimeout bounds the overall node-lookup retry loop (C3).
	// LookupInterval is the starting backoff interval for that loop.
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
	LookupInterval time.Duration `yaml:"lookup_interval"`

	// DriverName selects the driver-scoped lookup endpoint.
	DriverName string `yaml:"driver_name"`

	// Standalone skips node lookup and heartbeating, binding only the HTTP
	// surface (DESIGN.md Open Question 3).
	Standalone bool `yaml:"standalone"`
}

// Validate fills in defaults and rejects a configuration that can never
// start, mirroring the teacher's Validate contract.
func (c *AgentConfig) Validate() error {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 9999
	}
	if c.AdvertisePort == 0 {
		c.AdvertisePort = c.ListenPort
	}
	if c.IPLookupAttempts <= 0 {
		c.IPLookupAttempts = 6
	}
	if c.IPLookupSleep <= 0 {
		c.IPLookupSleep = 10 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Minute
	}
	if c.LookupInterval <= 0 {
		c.LookupInterval = 2 * time.Second
	}
	if c.DriverName == "" {
		c.DriverName = "agent_ipmitool"
	}

	if !c.Standalone && c.APIURL == "" {
		return fmt.Errorf("api_url is required unless standalone mode is enabled")
	}
	return nil
}
