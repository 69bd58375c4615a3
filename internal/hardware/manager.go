// Package hardware implements the hardware-manager plugin model: discovery,
// priority ordering, and the two dispatch disciplines (best-match, fan-out)
// that the cleaning protocol and command extensions use to reach real
// hardware through a set of loosely-coupled plugins.
//
// Support levels follow the original agent's guideline values:
// NONE=0, GENERIC=1, MAINLINE=2, SERVICE_PROVIDER=3 and above for
// third-party managers that want to outrank the built-ins.
package hardware

const (
	SupportNone            = 0
	SupportGeneric         = 1
	SupportMainline        = 2
	SupportServiceProvider = 3
)

// NetworkInterface mirrors the original agent's NetworkInterface value object.
type NetworkInterface struct {
	Name               string `json:"name"`
	MACAddress         string `json:"mac_address"`
	SwitchPortDescr    string `json:"switch_port_descr,omitempty"`
	SwitchChassisDescr string `json:"switch_chassis_descr,omitempty"`
}

// CPU mirrors the original agent's CPU value object.
type CPU struct {
	ModelName string `json:"model_name"`
	Frequency string `json:"frequency"`
	Count     int    `json:"count"`
}

// Memory mirrors the original agent's Memory value object.
type Memory struct {
	Total uint64 `json:"total"`
}

// BlockDevice mirrors the original agent's BlockDevice value object.
type BlockDevice struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Size       int64  `json:"size"`
	Rotational bool   `json:"rotational"`
}

// CleanStep is a single named, prioritized operation a plugin advertises as
// safe to run during cleaning. Step is also the method name dispatched back
// into the plugin set (via RunCleanStep) when the step runs.
type CleanStep struct {
	Step            string `json:"step"`
	Priority        int    `json:"priority"`
	Interface       string `json:"interface"`
	RebootRequested bool   `json:"reboot_requested"`
}

// VersionInfo is returned by a plugin's GetVersion.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HardwareInfo is the inventory payload shape from spec.md §6.
type HardwareInfo struct {
	Interfaces []NetworkInterface `json:"interfaces"`
	CPU        CPU                `json:"cpu"`
	Disks      []BlockDevice      `json:"disks"`
	Memory     Memory             `json:"memory"`
}

// Node is the opaque node identity record from the central service. Only
// "uuid" is ever interpreted by the core; everything else is forwarded to
// plugins verbatim.
type Node map[string]interface{}

// UUID extracts the node's uuid field. The second return is false if the
// node is nil or has no uuid, meaning lookup hasn't happened yet.
func (n Node) UUID() (string, bool) {
	if n == nil {
		return "", false
	}
	v, ok := n["uuid"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Ports is the opaque list of port records forwarded to plugins verbatim.
type Ports []map[string]interface{}

// Manager is the capability set a hardware-manager plugin may implement.
//
// Go has no runtime "does this object have this method" check as cheap as
// Python's getattr, so Manager declares the full interface and a plugin that
// doesn't support a particular operation on this host implements it by
// returning apierrors.ErrIncompatibleHardwareMethod — the same "not
// applicable here, try the next plugin" contract as the original agent's
// IncompatibleHardwareMethodError, expressed as a total interface instead of
// a partial one.
type Manager interface {
	Name() string
	EvaluateHardwareSupport() int
	ListNetworkInterfaces() ([]NetworkInterface, error)
	GetCPUs() (CPU, error)
	ListBlockDevices() ([]BlockDevice, error)
	GetMemory() (Memory, error)
	GetOSInstallDevice() (string, error)
	EraseBlockDevice(node Node, device BlockDevice) error
	EraseDevices(node Node, ports Ports) error
	GetCleanSteps(node Node, ports Ports) ([]CleanStep, error)
	GetVersion() VersionInfo

	// RunCleanStep dispatches a clean step by name into this plugin. It is
	// the Go analog of the original's getattr(manager, step['step']): a
	// plugin's clean steps (built-in or custom) are run through here rather
	// than through individually-typed methods, because the set of step
	// names a plugin advertises via GetCleanSteps is open-ended.
	RunCleanStep(step string, node Node, ports Ports) (interface{}, error)
}

// ListHardwareInfo assembles the inventory payload for node lookup by
// best-match-dispatching each of the four inventory operations.
func ListHardwareInfo(r *Registry) (HardwareInfo, error) {
	ifaces, err := r.DispatchToManagers("ListNetworkInterfaces", func(m Manager) (interface{}, error) {
		return m.ListNetworkInterfaces()
	})
	if err != nil {
		return HardwareInfo{}, err
	}
	cpu, err := r.DispatchToManagers("GetCPUs", func(m Manager) (interface{}, error) {
		return m.GetCPUs()
	})
	if err != nil {
		return HardwareInfo{}, err
	}
	disks, err := r.DispatchToManagers("ListBlockDevices", func(m Manager) (interface{}, error) {
		return m.ListBlockDevices()
	})
	if err != nil {
		return HardwareInfo{}, err
	}
	mem, err := r.DispatchToManagers("GetMemory", func(m Manager) (interface{}, error) {
		return m.GetMemory()
	})
	if err != nil {
		return HardwareInfo{}, err
	}
	return HardwareInfo{
		Interfaces: ifaces.([]NetworkInterface),
		CPU:        cpu.(CPU),
		Disks:      disks.([]BlockDevice),
		Memory:     mem.(Memory),
	}, nil
}
