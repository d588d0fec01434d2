package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ConfigDir = "/etc/runbox"
var StorageDir = "/var/lib/runbox"

const configFileName = "config.yaml"

// ConfigFile is the path of the host configuration written by setup.
func ConfigFile() string {
	return filepath.Join(ConfigDir, configFileName)
}

// WorkspaceDir holds the per-session workspaces of the local backend.
func WorkspaceDir() string {
	return filepath.Join(StorageDir, "workspaces")
}

// RunDir holds the per-session overlays and seeds of the vm backend.
func RunDir() string {
	return filepath.Join(StorageDir, "runs")
}

// ImageDir holds base images the vm backend boots from.
func ImageDir() string {
	return filepath.Join(StorageDir, "images")
}

func configFiles() []string {
	return []string{ConfigFile()}
}

// Verify reports whether setup has been run on this host.
func Verify() error {
	for _, file := range configFiles() {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("file %s does not exist", file)
		}
	}
	return nil
}

func ClearConfig() error {
	getLogger().Info("clearing configuration files")

	for _, file := range configFiles() {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

// WriteConfig stores data as the host configuration, replacing any file
// already present.
func WriteConfig(data []byte) error {
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := ConfigFile()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install config: %w", err)
	}
	getLogger().Info("configuration written", "path", path)
	return nil
}
