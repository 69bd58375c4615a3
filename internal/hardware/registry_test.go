package hardware

import (
	"errors"
	"testing"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rs/zerolog"
)

type fakeManager struct {
	name    string
	support int
	listIfc func() ([]NetworkInterface, error)
}

func (f *fakeManager) Name() string                      { return f.name }
func (f *fakeManager) EvaluateHardwareSupport() int       { return f.support }
func (f *fakeManager) ListNetworkInterfaces() ([]NetworkInterface, error) {
	if f.listIfc != nil {
		return f.listIfc()
	}
	return nil, apierrors.ErrIncompatibleHardwareMethod
}
func (f *fakeManager) GetCPUs() (CPU, error)                   { return CPU{}, apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) ListBlockDevices() ([]BlockDevice, error) { return nil, apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) GetMemory() (Memory, error)               { return Memory{}, apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) GetOSInstallDevice() (string, error)      { return "", apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) EraseBlockDevice(Node, BlockDevice) error { return apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) EraseDevices(Node, Ports) error           { return apierrors.ErrIncompatibleHardwareMethod }
func (f *fakeManager) GetCleanSteps(Node, Ports) ([]CleanStep, error) {
	return nil, apierrors.ErrIncompatibleHardwareMethod
}
func (f *fakeManager) GetVersion() VersionInfo { return VersionInfo{Name: f.name, Version: "1"} }
func (f *fakeManager) RunCleanStep(string, Node, Ports) (interface{}, error) {
	return nil, apierrors.ErrIncompatibleHardwareMethod
}

func newTestRegistry(managers ...Manager) *Registry {
	return NewRegistry(zerolog.Nop(), func() []Manager { return managers })
}

func TestDispatchToManagers_BestMatchSkipsIncompatible(t *testing.T) {
	low := &fakeManager{name: "Low", support: SupportGeneric, listIfc: func() ([]NetworkInterface, error) {
		return []NetworkInterface{{Name: "eth0"}}, nil
	}}
	high := &fakeManager{name: "High", support: SupportServiceProvider}
	r := newTestRegistry(low, high)

	v, err := r.DispatchToManagers("ListNetworkInterfaces", func(m Manager) (interface{}, error) {
		return m.ListNetworkInterfaces()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ifaces := v.([]NetworkInterface)
	if len(ifaces) != 1 || ifaces[0].Name != "eth0" {
		t.Fatalf("expected low-support manager's result after skipping incompatible high-support manager, got %v", ifaces)
	}
}

func TestDispatchToManagers_AllIncompatible(t *testing.T) {
	r := newTestRegistry(&fakeManager{name: "A", support: SupportGeneric}, &fakeManager{name: "B", support: SupportGeneric})
	_, err := r.DispatchToManagers("ListNetworkInterfaces", func(m Manager) (interface{}, error) {
		return m.ListNetworkInterfaces()
	})
	if err == nil {
		t.Fatal("expected HardwareManagerMethodNotFound")
	}
	restErr, ok := err.(*apierrors.RESTError)
	if !ok || restErr.Type != "HardwareManagerMethodNotFound" {
		t.Fatalf("expected HardwareManagerMethodNotFound, got %v", err)
	}
}

func TestDispatchToManagers_PropagatesRealError(t *testing.T) {
	boom := errors.New("disk on fire")
	r := newTestRegistry(&fakeManager{name: "A", support: SupportGeneric, listIfc: func() ([]NetworkInterface, error) {
		return nil, boom
	}})
	_, err := r.DispatchToManagers("ListNetworkInterfaces", func(m Manager) (interface{}, error) {
		return m.ListNetworkInterfaces()
	})
	if err != boom {
		t.Fatalf("expected real error to propagate, got %v", err)
	}
}

func TestManagersList_OrdersBySupportThenName(t *testing.T) {
	a := &fakeManager{name: "Zeta", support: SupportGeneric}
	b := &fakeManager{name: "Alpha", support: SupportGeneric}
	c := &fakeManager{name: "Mainline", support: SupportMainline}
	r := newTestRegistry(a, b, c)

	got, err := r.managersList()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Mainline", "Alpha", "Zeta"}
	for i, name := range want {
		if got[i].Name() != name {
			t.Fatalf("position %d: want %s, got %s", i, name, got[i].Name())
		}
	}
}

func TestManagersList_NoneSupported(t *testing.T) {
	r := newTestRegistry(&fakeManager{name: "A", support: SupportNone})
	_, err := r.managersList()
	if !errors.Is(err, apierrors.ErrHardwareManagerNotFound) {
		t.Fatalf("expected ErrHardwareManagerNotFound, got %v", err)
	}
}

func TestDispatchToAllManagers_FansOutAndSkips(t *testing.T) {
	a := &fakeManager{name: "A", support: SupportGeneric, listIfc: func() ([]NetworkInterface, error) {
		return []NetworkInterface{{Name: "a0"}}, nil
	}}
	b := &fakeManager{name: "B", support: SupportGeneric}
	r := newTestRegistry(a, b)

	v, err := r.DispatchToAllManagers("ListNetworkInterfaces", func(m Manager) (interface{}, error) {
		return m.ListNetworkInterfaces()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 1 {
		t.Fatalf("expected only manager A's result, got %v", v)
	}
	if _, ok := v["A"]; !ok {
		t.Fatalf("expected key A, got %v", v)
	}
}
