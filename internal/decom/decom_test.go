package decom

import (
	"testing"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rs/zerolog"
)

func TestCheckDecommissionVersion(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr bool
	}{
		{"no version supplied", map[string]interface{}{}, false},
		{"matching version", map[string]interface{}{"decommission_version": AgentDecommissionVersion}, false},
		{"mismatched version", map[string]interface{}{"decommission_version": "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDecommissionVersion(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkDecommissionVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				restErr, ok := err.(*apierrors.RESTError)
				if !ok || restErr.Type != "WrongDecommissionVersion" {
					t.Fatalf("expected WrongDecommissionVersion, got %v", err)
				}
			}
		})
	}
}

func TestRegister_ErasesHardwareViaGenericManager(t *testing.T) {
	reg := commandregistry.NewRegistry(zerolog.Nop())
	hwRegistry := hardware.NewRegistry(zerolog.Nop(), func() []hardware.Manager {
		return []hardware.Manager{hardware.NewGenericManager(zerolog.Nop())}
	})
	Register(reg, hwRegistry)

	record, err := reg.Execute("decom.erase_hardware", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != commandregistry.StatusRunning {
		t.Fatalf("expected RUNNING immediately, got %s", record.Status)
	}
}

func TestRegister_RejectsMismatchedVersionBeforeDispatch(t *testing.T) {
	reg := commandregistry.NewRegistry(zerolog.Nop())
	hwRegistry := hardware.NewRegistry(zerolog.Nop(), func() []hardware.Manager {
		return []hardware.Manager{hardware.NewGenericManager(zerolog.Nop())}
	})
	Register(reg, hwRegistry)

	record, err := reg.Execute("decom.erase_hardware", map[string]interface{}{"decommission_version": "999"})
	if err != nil {
		t.Fatalf("unexpected error starting async command: %v", err)
	}
	waitForTerminal(t, reg, record.ID)
	got, _ := reg.Get(record.ID)
	if got.Status != commandregistry.StatusFailed {
		t.Fatalf("expected FAILED on version mismatch, got %s", got.Status)
	}
}

func waitForTerminal(t *testing.T, reg *commandregistry.Registry, id string) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		rec, err := reg.Get(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != commandregistry.StatusRunning {
			return
		}
	}
	t.Fatal("command never left RUNNING")
}
