package imaging

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rs/zerolog"
)

type fakeWriter struct {
	wroteImage       string
	wroteConfigDrive string
	rebooted         bool
	failWriteImage   error
}

func (f *fakeWriter) WriteImage(imagePath, device string) error {
	if f.failWriteImage != nil {
		return f.failWriteImage
	}
	f.wroteImage = device
	return nil
}

func (f *fakeWriter) WriteConfigDrive(configdrivePath, device string) error {
	f.wroteConfigDrive = device
	return nil
}

func (f *fakeWriter) Reboot() error {
	f.rebooted = true
	return nil
}

type installDeviceManager struct {
	device string
}

func (m *installDeviceManager) Name() string                { return "Fake" }
func (m *installDeviceManager) EvaluateHardwareSupport() int { return hardware.SupportGeneric }
func (m *installDeviceManager) ListNetworkInterfaces() ([]hardware.NetworkInterface, error) {
	return nil, nil
}
func (m *installDeviceManager) GetCPUs() (hardware.CPU, error)       { return hardware.CPU{}, nil }
func (m *installDeviceManager) ListBlockDevices() ([]hardware.BlockDevice, error) { return nil, nil }
func (m *installDeviceManager) GetMemory() (hardware.Memory, error) { return hardware.Memory{}, nil }
func (m *installDeviceManager) GetOSInstallDevice() (string, error) { return m.device, nil }
func (m *installDeviceManager) EraseBlockDevice(hardware.Node, hardware.BlockDevice) error {
	return nil
}
func (m *installDeviceManager) EraseDevices(hardware.Node, hardware.Ports) error { return nil }
func (m *installDeviceManager) GetCleanSteps(hardware.Node, hardware.Ports) ([]hardware.CleanStep, error) {
	return nil, nil
}
func (m *installDeviceManager) GetVersion() hardware.VersionInfo {
	return hardware.VersionInfo{Name: "Fake", Version: "1"}
}
func (m *installDeviceManager) RunCleanStep(string, hardware.Node, hardware.Ports) (interface{}, error) {
	return nil, nil
}

func newTestExtension(t *testing.T, writer Writer) (*Extension, *hardware.Registry) {
	t.Helper()
	hwRegistry := hardware.NewRegistry(zerolog.Nop(), func() []hardware.Manager {
		return []hardware.Manager{&installDeviceManager{device: "/dev/sda"}}
	})
	workDir := t.TempDir()
	return NewExtension(hwRegistry, writer, workDir, zerolog.Nop()), hwRegistry
}

func TestCacheImage_DownloadsVerifiesAndWrites(t *testing.T) {
	content := []byte("fake image bytes")
	sum := sha256.Sum256(content)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	ext, _ := newTestExtension(t, writer)

	_, err := ext.cacheImage(map[string]interface{}{
		"image_info": map[string]interface{}{
			"id":     "img-1",
			"urls":   []interface{}{srv.URL},
			"hashes": map[string]interface{}{"sha256": hex.EncodeToString(sum[:])},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if writer.wroteImage != "/dev/sda" {
		t.Fatalf("expected image written to /dev/sda, got %q", writer.wroteImage)
	}
	if ext.cachedID != "img-1" {
		t.Fatalf("expected cachedID img-1, got %q", ext.cachedID)
	}
}

func TestCacheImage_ChecksumMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake image bytes"))
	}))
	defer srv.Close()

	ext, _ := newTestExtension(t, &fakeWriter{})
	_, err := ext.cacheImage(map[string]interface{}{
		"image_info": map[string]interface{}{
			"id":     "img-1",
			"urls":   []interface{}{srv.URL},
			"hashes": map[string]interface{}{"sha256": "0000000000000000000000000000000000000000000000000000000000000000"},
		},
	})
	if err == nil {
		t.Fatal("expected checksum verification failure")
	}
}

func TestCacheImage_SkipsRedownloadWhenAlreadyCached(t *testing.T) {
	calls := 0
	content := []byte("fake image bytes")
	sum := sha256.Sum256(content)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(content)
	}))
	defer srv.Close()

	writer := &fakeWriter{}
	ext, _ := newTestExtension(t, writer)
	ext.cachedID = "img-1"

	params := map[string]interface{}{
		"image_info": map[string]interface{}{
			"id":     "img-1",
			"urls":   []interface{}{srv.URL},
			"hashes": map[string]interface{}{"sha256": hex.EncodeToString(sum[:])},
		},
	}
	_, err := ext.cacheImage(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no download when already cached, got %d calls", calls)
	}
}

func TestRunImage_Reboots(t *testing.T) {
	reg := commandregistry.NewRegistry(zerolog.Nop())
	writer := &fakeWriter{}
	ext, _ := newTestExtension(t, writer)
	ext.Register(reg)

	record, err := reg.Execute("standby.run_image", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = record
	deadline := 1000
	for i := 0; i < deadline; i++ {
		rec, _ := reg.Get(record.ID)
		if rec.Status != commandregistry.StatusRunning {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !writer.rebooted {
		t.Fatal("expected run_image to call the writer's Reboot")
	}
}
