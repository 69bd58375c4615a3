package config

import (
	"testing"
	"time"
)

func TestAgentConfig_Validate_RequiresAPIURLUnlessStandalone(t *testing.T) {
	tests := []struct {
		name       string
		config     *AgentConfig
		wantErr    bool
	}{
		{
			name:    "missing api_url",
			config:  &AgentConfig{},
			wantErr: true,
		},
		{
			name:    "standalone skips api_url requirement",
			config:  &AgentConfig{Standalone: true},
			wantErr: false,
		},
		{
			name:    "api_url present",
			config:  &AgentConfig{APIURL: "http://svc"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAgentConfig_Validate_Defaults(t *testing.T) {
	cfg := &AgentConfig{APIURL: "http://svc"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	if cfg.ListenHost != "0.0.0.0" {
		t.Errorf("ListenHost = %s, want 0.0.0.0", cfg.ListenHost)
	}
	if cfg.ListenPort != 9999 {
		t.Errorf("ListenPort = %d, want 9999", cfg.ListenPort)
	}
	if cfg.AdvertisePort != cfg.ListenPort {
		t.Errorf("AdvertisePort = %d, want to match ListenPort %d", cfg.AdvertisePort, cfg.ListenPort)
	}
	if cfg.IPLookupAttempts != 6 {
		t.Errorf("IPLookupAttempts = %d, want 6", cfg.IPLookupAttempts)
	}
	if cfg.IPLookupSleep != 10*time.Second {
		t.Errorf("IPLookupSleep = %v, want 10s", cfg.IPLookupSleep)
	}
	if cfg.LookupTimeout != 5*time.Minute {
		t.Errorf("LookupTimeout = %v, want 5m", cfg.LookupTimeout)
	}
	if cfg.LookupInterval != 2*time.Second {
		t.Errorf("LookupInterval = %v, want 2s", cfg.LookupInterval)
	}
	if cfg.DriverName != "agent_ipmitool" {
		t.Errorf("DriverName = %s, want agent_ipmitool", cfg.DriverName)
	}
}

func TestAgentConfig_Validate_CustomValuesPreserved(t *testing.T) {
	cfg := &AgentConfig{
		APIURL:           "http://svc",
		ListenHost:       "127.0.0.1",
		ListenPort:       8000,
		AdvertisePort:    8001,
		IPLookupAttempts: 3,
		DriverName:       "agent_redfish",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	if cfg.ListenHost != "127.0.0.1" {
		t.Errorf("ListenHost = %s, want 127.0.0.1", cfg.ListenHost)
	}
	if cfg.AdvertisePort != 8001 {
		t.Errorf("AdvertisePort = %d, want 8001 (explicit value preserved)", cfg.AdvertisePort)
	}
	if cfg.IPLookupAttempts != 3 {
		t.Errorf("IPLookupAttempts = %d, want 3", cfg.IPLookupAttempts)
	}
	if cfg.DriverName != "agent_redfish" {
		t.Errorf("DriverName = %s, want agent_redfish", cfg.DriverName)
	}
}
