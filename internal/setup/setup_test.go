package setup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/runbox/internal/logging"
)

func useTempDirs(t *testing.T) {
	t.Helper()
	oldConfig, oldStorage := ConfigDir, StorageDir
	ConfigDir = filepath.Join(t.TempDir(), "etc")
	StorageDir = filepath.Join(t.TempDir(), "lib")
	t.Cleanup(func() {
		ConfigDir, StorageDir = oldConfig, oldStorage
	})
}

func TestVerifyAndClearConfig(t *testing.T) {
	useTempDirs(t)

	if err := Verify(); err == nil {
		t.Fatal("verify should fail before setup")
	}

	if err := WriteConfig([]byte("backend: local\n")); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := Verify(); err != nil {
		t.Fatalf("verify after write: %v", err)
	}
	data, err := os.ReadFile(ConfigFile())
	if err != nil || string(data) != "backend: local\n" {
		t.Fatalf("unexpected config contents %q, %v", data, err)
	}

	if err := ClearConfig(); err != nil {
		t.Fatalf("clear config: %v", err)
	}
	if err := Verify(); err == nil {
		t.Fatal("verify should fail after clear")
	}
	if err := ClearConfig(); err != nil {
		t.Fatalf("clearing twice should succeed: %v", err)
	}
}

func TestStoragePathsFollowStorageDir(t *testing.T) {
	useTempDirs(t)

	for _, path := range []string{WorkspaceDir(), RunDir(), ImageDir()} {
		if !strings.HasPrefix(path, StorageDir) {
			t.Fatalf("%s is outside %s", path, StorageDir)
		}
	}
	cfg := DefaultHostConfig()
	if cfg.WorkspaceRoot != WorkspaceDir() || cfg.RunDir != RunDir() || cfg.SandboxUser != "" {
		t.Fatalf("unexpected default host config %#v", cfg)
	}
}

func TestEnsureCommands(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	err := ensureCommands("definitely-not-a-command")
	if err == nil || !strings.Contains(err.Error(), "definitely-not-a-command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
}

func TestEnsureSandboxUserRejectsEmptyName(t *testing.T) {
	if err := EnsureSandboxUser(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty user name")
	}
}

func TestEnsureSandboxUserExisting(t *testing.T) {
	// root exists on every host this runs on, so useradd is never reached.
	t.Setenv("PATH", t.TempDir())
	if err := EnsureSandboxUser(context.Background(), "root"); err != nil {
		t.Fatalf("existing user: %v", err)
	}
}

func TestEnsureDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := ensureDirectory(dir, 0o711); err != nil {
		t.Fatalf("ensure directory: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o711 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
}

func TestSetupHostRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	err := SetupHost(context.Background(), HostConfig{})
	if err == nil || !strings.Contains(err.Error(), "root") {
		t.Fatalf("expected root requirement, got %v", err)
	}
	if err := TeardownHost(HostConfig{Namespace: "x"}); err == nil {
		t.Fatal("teardown should require root")
	}
}

func TestSetupNamespaceRoundTrip(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := os.Stat("/var/run/netns"); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Skipf("netns directory unavailable: %v", err)
	}
	name := "runbox-test"
	if err := SetupNamespace(name); err != nil {
		t.Skipf("cannot create namespaces here: %v", err)
	}
	t.Cleanup(func() { _ = RemoveNamespace(name) })

	if err := SetupNamespace(name); err != nil {
		t.Fatalf("second setup should be idempotent: %v", err)
	}
	if err := RemoveNamespace(name); err != nil {
		t.Fatalf("remove namespace: %v", err)
	}
	if err := RemoveNamespace(name); err != nil {
		t.Fatalf("removing a missing namespace should succeed: %v", err)
	}
}

func TestSetLogger(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	logger := logging.Discard()
	SetLogger(logger)
	if getLogger() != logger {
		t.Fatal("configured logger not used")
	}
	SetLogger(nil)
	if getLogger() != slog.Default() {
		t.Fatal("nil logger should fall back to the default")
	}
}
