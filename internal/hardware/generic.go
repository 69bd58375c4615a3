package hardware

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rs/zerolog"
)

// GenericManager is the always-present, SupportGeneric-level plugin, the Go
// analog of hardware.py's GenericHardwareManager. It answers every
// inventory and erase operation using stdlib facilities and a handful of
// shell invocations (lsblk, hdparm, shred) — those invocations are kept
// deliberately thin per spec.md §1 ("hardware-specific shell invocations
// ... out of scope; only their interfaces to the core are specified").
type GenericManager struct {
	log zerolog.Logger
}

// NewGenericManager constructs the built-in generic hardware manager.
func NewGenericManager(log zerolog.Logger) *GenericManager {
	return &GenericManager{log: log}
}

func (g *GenericManager) Name() string { return "GenericHardwareManager" }

func (g *GenericManager) EvaluateHardwareSupport() int { return SupportGeneric }

func (g *GenericManager) GetVersion() VersionInfo {
	return VersionInfo{Name: g.Name(), Version: "1.0"}
}

// ListNetworkInterfaces enumerates host NICs, excluding loopback, using
// stdlib net — the Go equivalent of the original's netifaces-backed scan of
// /sys/class/net.
func (g *GenericManager) ListNetworkInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, apierrors.BlockDeviceError(err.Error())
	}
	var out []NetworkInterface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, NetworkInterface{
			Name:       iface.Name,
			MACAddress: iface.HardwareAddr.String(),
			// LLDP-sourced switch_port_descr/switch_chassis_descr are out of
			// scope per spec.md §1 (raw-socket LLDP capture is an external
			// collaborator); left blank as the original's TODO notes too.
		})
	}
	return out, nil
}

// GetIPv4Addr returns the first IPv4 address bound to the named interface,
// or "" if none is found. Used by the agent coordinator to resolve its
// advertise address (spec.md §4.6).
func (g *GenericManager) GetIPv4Addr(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", nil
}

// ListInterfaceNames lists every non-loopback interface name, for the
// coordinator's "no network_interface configured" fallback.
func (g *GenericManager) ListInterfaceNames() ([]string, error) {
	ifaces, err := g.ListNetworkInterfaces()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	return names, nil
}

// GetCPUs reads /proc/cpuinfo, matching the original's line-scan for
// "model name" and "cpu MHz".
func (g *GenericManager) GetCPUs() (CPU, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return CPU{}, apierrors.BlockDeviceError(err.Error())
	}
	defer f.Close()

	var model, freq string
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "processor"):
			count++
		case model == "" && strings.HasPrefix(line, "model name"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				model = strings.TrimSpace(parts[1])
			}
		case freq == "" && strings.HasPrefix(line, "cpu MHz"):
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				freq = strings.TrimSpace(parts[1])
			}
		}
	}
	return CPU{ModelName: model, Frequency: freq, Count: count}, nil
}

// GetMemory reads /proc/meminfo's MemTotal line, in bytes.
func (g *GenericManager) GetMemory() (Memory, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Memory{}, apierrors.BlockDeviceError(err.Error())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		return Memory{Total: kb * 1024}, nil
	}
	return Memory{}, apierrors.BlockDeviceError("MemTotal not found in /proc/meminfo")
}

// ListBlockDevices shells out to lsblk the same way the original does:
// KEY="value" output, bytes, excluding dependent devices, disk type only.
func (g *GenericManager) ListBlockDevices() ([]BlockDevice, error) {
	out, err := exec.Command("lsblk", "-PbdioKNAME,MODEL,SIZE,ROTA,TYPE").Output()
	if err != nil {
		return nil, apierrors.BlockDeviceError(fmt.Sprintf("lsblk failed: %v", err))
	}

	var devices []BlockDevice
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := parseShellKV(line)
		if fields["TYPE"] != "disk" {
			continue
		}
		required := []string{"KNAME", "MODEL", "SIZE", "ROTA"}
		for _, k := range required {
			if _, ok := fields[k]; !ok {
				return nil, apierrors.BlockDeviceError(fmt.Sprintf("%s must be returned by lsblk.", k))
			}
		}
		size, _ := strconv.ParseInt(fields["SIZE"], 10, 64)
		rota, _ := strconv.Atoi(fields["ROTA"])
		devices = append(devices, BlockDevice{
			Name:       "/dev/" + fields["KNAME"],
			Model:      fields["MODEL"],
			Size:       size,
			Rotational: rota != 0,
		})
	}
	return devices, nil
}

// parseShellKV splits a line of shell-quoted KEY="value" pairs, the format
// lsblk -P emits.
func parseShellKV(line string) map[string]string {
	out := map[string]string{}
	for _, tok := range splitQuoted(line) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// splitQuoted splits on spaces that are outside double quotes.
func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// GetOSInstallDevice returns the smallest block device at least 4GiB in size,
// matching the original's "no root device hints" default behavior. Root
// device hints matching (size/model/wwn/serial/vendor) is out of scope here:
// it lives alongside the other shell-driven hardware specifics spec.md §1
// delegates to external collaborators.
func (g *GenericManager) GetOSInstallDevice() (string, error) {
	devices, err := g.ListBlockDevices()
	if err != nil {
		return "", err
	}
	const fourGiB = int64(4) * 1024 * 1024 * 1024
	best := ""
	var bestSize int64 = -1
	for _, d := range devices {
		if d.Size >= fourGiB && (bestSize == -1 || d.Size < bestSize) {
			best = d.Name
			bestSize = d.Size
		}
	}
	if best == "" {
		return "", apierrors.BlockDeviceError("no suitable device found for deployment")
	}
	return best, nil
}

// EraseBlockDevice tries ATA secure erase first, falling back to shred, the
// same two-tier strategy as the original's erase_block_device.
func (g *GenericManager) EraseBlockDevice(node Node, device BlockDevice) error {
	if ok, err := g.ataErase(device); ok {
		return err
	}
	if ok, err := g.shredDevice(node, device); ok {
		return err
	}
	return apierrors.ErrIncompatibleHardwareMethod
}

// ataErase returns (attempted, err). attempted is false when the device
// doesn't report ATA secure-erase support at all, so the caller can fall
// through to shred; true means this path was taken and err is authoritative.
func (g *GenericManager) ataErase(device BlockDevice) (bool, error) {
	out, err := exec.Command("hdparm", "-I", device.Name).Output()
	if err != nil {
		return false, nil
	}
	info := string(out)
	if !strings.Contains(info, "Security:") {
		return false, nil
	}
	if !strings.Contains(info, "supported") {
		return false, nil
	}
	if strings.Contains(info, "enabled") {
		return true, apierrors.BlockDeviceEraseError(
			fmt.Sprintf("block device %s already has a security password set", device.Name))
	}
	if !strings.Contains(info, "not frozen") {
		return true, apierrors.BlockDeviceEraseError(
			fmt.Sprintf("block device %s is frozen and cannot be erased", device.Name))
	}

	if err := exec.Command("hdparm", "--user-master", "u", "--security-set-pass", "NULL", device.Name).Run(); err != nil {
		return true, apierrors.BlockDeviceEraseError(err.Error())
	}
	eraseOpt := "--security-erase"
	if !strings.Contains(info, "not supported: enhanced erase") {
		eraseOpt += "-enhanced"
	}
	if err := exec.Command("hdparm", "--user-master", "u", eraseOpt, "NULL", device.Name).Run(); err != nil {
		return true, apierrors.BlockDeviceEraseError(err.Error())
	}
	return true, nil
}

func (g *GenericManager) shredDevice(node Node, device BlockDevice) (bool, error) {
	passes := "1"
	if info, ok := node["driver_internal_info"].(map[string]interface{}); ok {
		if n, ok := info["agent_erase_devices_iterations"]; ok {
			passes = fmt.Sprintf("%v", n)
		}
	}
	cmd := exec.Command("shred", "--force", "--zero", "--verbose", "--iterations", passes, device.Name)
	if err := cmd.Run(); err != nil {
		g.log.Error().Err(err).Str("device", device.Name).Msg("shred failed")
		return true, apierrors.BlockDeviceEraseError(err.Error())
	}
	return true, nil
}

// EraseDevices erases every block device on the host, matching the
// original's default erase_devices loop.
func (g *GenericManager) EraseDevices(node Node, ports Ports) error {
	devices, err := g.ListBlockDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if err := g.EraseBlockDevice(node, d); err != nil {
			return err
		}
	}
	return nil
}

// GetCleanSteps advertises the single built-in step the original's
// GenericHardwareManager declares.
func (g *GenericManager) GetCleanSteps(node Node, ports Ports) ([]CleanStep, error) {
	return []CleanStep{
		{Step: "erase_devices", Priority: 10, Interface: "deploy", RebootRequested: false},
	}, nil
}

// RunCleanStep dispatches the generic manager's own clean steps by name.
func (g *GenericManager) RunCleanStep(step string, node Node, ports Ports) (interface{}, error) {
	switch step {
	case "erase_devices", "erase_hardware":
		return nil, g.EraseDevices(node, ports)
	default:
		return nil, apierrors.ErrIncompatibleHardwareMethod
	}
}
