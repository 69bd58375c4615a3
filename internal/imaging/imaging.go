// Package imaging implements the standby extension's image-handling
// commands (§12 supplemented feature): downloading a boot image, verifying
// it by checksum, writing it to the install device, writing a config
// drive, and triggering the final reboot — all as async commands, matching
// standby.py's cache_image/prepare_image/run_image.
package imaging

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rackerlabs/ironic-python-agent/internal/hardware"
	"github.com/rs/zerolog"
)

// Info is the image_info payload a cache_image/prepare_image request
// carries: a content-addressed id, one or more candidate download URLs,
// and a set of algorithm-name -> hex-digest pairs to verify against.
type Info struct {
	ID     string            `json:"id"`
	URLs   []string          `json:"urls"`
	Hashes map[string]string `json:"hashes"`
}

// Writer shells a single script against a downloaded image the same way
// the original agent does (utils.execute against shell/write_image.sh,
// shell/copy_configdrive_to_disk.sh, shell/reboot.sh). One concrete
// implementation runs real scripts; tests can substitute a fake.
type Writer interface {
	WriteImage(imagePath, device string) error
	WriteConfigDrive(configdrivePath, device string) error
	Reboot() error
}

// ScriptWriter is the production Writer, invoking bash scripts on disk.
type ScriptWriter struct {
	ScriptDir string
}

func (s ScriptWriter) WriteImage(imagePath, device string) error {
	return runScript(s.ScriptDir+"/write_image.sh", imagePath, device)
}

func (s ScriptWriter) WriteConfigDrive(configdrivePath, device string) error {
	return runScript(s.ScriptDir+"/copy_configdrive_to_disk.sh", configdrivePath, device)
}

func (s ScriptWriter) Reboot() error {
	out, err := exec.Command("/bin/bash", s.ScriptDir+"/reboot.sh").CombinedOutput()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return apierrors.SystemRebootError(exitCode, "", string(out))
	}
	return nil
}

func runScript(script string, args ...string) error {
	cmdArgs := append([]string{script}, args...)
	cmd := exec.Command("/bin/bash", cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return apierrors.ImageWriteError(script, exitCode, "", string(out))
	}
	return nil
}

// Extension holds the standby extension's state: which image id is
// currently cached on the install device, so a repeat cache_image for the
// same image is a no-op unless force is set.
type Extension struct {
	registry  *hardware.Registry
	writer    Writer
	workDir   string
	log       zerolog.Logger
	cachedID  string
}

// NewExtension builds the imaging extension. workDir is where downloaded
// images and config drives are staged before being written to disk.
func NewExtension(registry *hardware.Registry, writer Writer, workDir string, log zerolog.Logger) *Extension {
	return &Extension{registry: registry, writer: writer, workDir: workDir, log: log}
}

// Register adds cache_image, prepare_image, and run_image to the command
// registry under the "standby" extension namespace.
func (e *Extension) Register(reg *commandregistry.Registry) {
	reg.Register(commandregistry.Command{
		Extension: "standby",
		Name:      "cache_image",
		Async:     true,
		Handler:   e.cacheImage,
	})
	reg.Register(commandregistry.Command{
		Extension: "standby",
		Name:      "prepare_image",
		Async:     true,
		Handler:   e.prepareImage,
	})
	reg.Register(commandregistry.Command{
		Extension: "standby",
		Name:      "run_image",
		Async:     true,
		Handler: func(map[string]interface{}) (interface{}, error) {
			return nil, e.writer.Reboot()
		},
	})
}

func (e *Extension) cacheImage(params map[string]interface{}) (interface{}, error) {
	info, force, err := parseImageParams(params)
	if err != nil {
		return nil, err
	}
	device, err := e.registry.DispatchToManagers("GetOSInstallDevice", func(m hardware.Manager) (interface{}, error) {
		return m.GetOSInstallDevice()
	})
	if err != nil {
		return nil, err
	}

	if e.cachedID == info.ID && !force {
		return nil, nil
	}
	imagePath, err := e.downloadAndVerify(info)
	if err != nil {
		return nil, err
	}
	if err := e.writer.WriteImage(imagePath, device.(string)); err != nil {
		return nil, err
	}
	e.cachedID = info.ID
	return nil, nil
}

func (e *Extension) prepareImage(params map[string]interface{}) (interface{}, error) {
	info, _, err := parseImageParams(params)
	if err != nil {
		return nil, err
	}
	device, err := e.registry.DispatchToManagers("GetOSInstallDevice", func(m hardware.Manager) (interface{}, error) {
		return m.GetOSInstallDevice()
	})
	if err != nil {
		return nil, err
	}

	if e.cachedID != info.ID {
		imagePath, err := e.downloadAndVerify(info)
		if err != nil {
			return nil, err
		}
		if err := e.writer.WriteImage(imagePath, device.(string)); err != nil {
			return nil, err
		}
		e.cachedID = info.ID
	}

	configdrive, _ := params["configdrive"].(string)
	if configdrive == "" {
		return nil, nil
	}
	configPath, err := e.writeConfigDrive(configdrive)
	if err != nil {
		return nil, err
	}
	return nil, e.writer.WriteConfigDrive(configPath, device.(string))
}

func parseImageParams(params map[string]interface{}) (Info, bool, error) {
	raw, ok := params["image_info"].(map[string]interface{})
	if !ok {
		return Info{}, false, apierrors.InvalidCommandParams("image_info is required")
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return Info{}, false, apierrors.InvalidCommandParams("image is missing 'id' field")
	}
	urlsRaw, ok := raw["urls"].([]interface{})
	if !ok || len(urlsRaw) == 0 {
		return Info{}, false, apierrors.InvalidCommandParams("image 'urls' must be a list with at least one element")
	}
	urls := make([]string, 0, len(urlsRaw))
	for _, u := range urlsRaw {
		if s, ok := u.(string); ok {
			urls = append(urls, s)
		}
	}
	hashesRaw, ok := raw["hashes"].(map[string]interface{})
	if !ok || len(hashesRaw) == 0 {
		return Info{}, false, apierrors.InvalidCommandParams("image 'hashes' must be a dictionary with at least one element")
	}
	hashes := make(map[string]string, len(hashesRaw))
	for k, v := range hashesRaw {
		if s, ok := v.(string); ok {
			hashes[k] = s
		}
	}
	force, _ := params["force"].(bool)
	return Info{ID: id, URLs: urls, Hashes: hashes}, force, nil
}

// downloadAndVerify tries each candidate URL in order until one succeeds,
// then verifies the downloaded file against Info.Hashes: it passes as soon
// as the digest for any one supported algorithm (md5, sha1, sha256)
// matches; entries for other algorithms are ignored.
func (e *Extension) downloadAndVerify(info Info) (string, error) {
	destPath := e.workDir + "/" + info.ID + ".img"

	var lastErr error
	downloaded := false
	for _, url := range info.URLs {
		if err := download(url, destPath); err != nil {
			e.log.Warn().Str("url", url).Err(err).Msg("image download failed, trying next url")
			lastErr = err
			continue
		}
		downloaded = true
		break
	}
	if !downloaded {
		return "", apierrors.ImageDownloadError(info.ID, fmt.Sprintf("%v", lastErr))
	}

	if !verifyChecksum(destPath, info.Hashes) {
		return "", apierrors.ImageChecksumError(info.ID)
	}
	return destPath, nil
}

func download(url, destPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func verifyChecksum(path string, hashes map[string]string) bool {
	for algo, want := range hashes {
		h := newHash(algo)
		if h == nil {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return false
		}
		if hex.EncodeToString(h.Sum(nil)) == want {
			return true
		}
	}
	return false
}

func newHash(algo string) hash.Hash {
	switch algo {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	default:
		return nil
	}
}

func (e *Extension) writeConfigDrive(configdrive string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(configdrive)
	if err != nil {
		return "", apierrors.InvalidCommandParams("configdrive is not valid base64")
	}
	path := e.workDir + "/configdrive.img"
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", apierrors.ImageWriteError(path, -1, "", err.Error())
	}
	return path, nil
}
