package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// seedVolumeLabel is the label cloud-init's NoCloud datasource looks for.
const seedVolumeLabel = "cidata"

func ensureRunDirectory(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("run directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve run directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create run directory %q: %w", abs, err)
	}
	return abs, nil
}

// createDiskOverlay creates a copy-on-write qcow2 overlay backed by
// baseImagePath so the base image is never written to.
func createDiskOverlay(ctx context.Context, baseImagePath, overlayPath string) (string, string, error) {
	if baseImagePath == "" {
		return "", "", errors.New("base image path is empty")
	}
	if overlayPath == "" {
		return "", "", errors.New("overlay path is empty")
	}

	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return "", "", fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return "", "", fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}

	overlayAbs, err := filepath.Abs(overlayPath)
	if err != nil {
		return "", "", fmt.Errorf("resolve overlay path %q: %w", overlayPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(overlayAbs), 0o755); err != nil {
		return "", "", fmt.Errorf("create overlay directory for %q: %w", overlayAbs, err)
	}
	if err := os.Remove(overlayAbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("remove existing overlay %q: %w", overlayAbs, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return "", "", fmt.Errorf("qemu-img not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayAbs)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	return baseAbs, overlayAbs, nil
}

// writeSeedISO renders a NoCloud seed image holding the given user-data
// and a meta-data document naming the instance.
func writeSeedISO(imagePath, instanceID, userData string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instanceID, instanceID)
	files := []struct {
		name string
		body string
	}{
		{name: "user-data", body: userData},
		{name: "meta-data", body: metaData},
	}
	for _, file := range files {
		if err := writer.AddFile(strings.NewReader(file.body), file.name); err != nil {
			return fmt.Errorf("stage %s: %w", file.name, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// defaultCloudInit creates the sandbox account on a stock cloud image with
// whichever credentials the SSH shell will present.
func defaultCloudInit(user, password, authorizedKey string) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	fmt.Fprintf(&b, "ssh_pwauth: %t\n", password != "")
	b.WriteString("users:\n")
	fmt.Fprintf(&b, "  - name: %s\n", user)
	b.WriteString("    shell: /bin/sh\n")
	if password != "" {
		b.WriteString("    lock_passwd: false\n")
		fmt.Fprintf(&b, "    plain_text_passwd: %q\n", password)
	}
	if authorizedKey != "" {
		b.WriteString("    ssh_authorized_keys:\n")
		fmt.Fprintf(&b, "      - %s\n", strings.TrimSpace(authorizedKey))
	}
	return b.String()
}
