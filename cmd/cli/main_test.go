package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/runbox/internal/checker"
)

func TestReadSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, err := readSource(nil, path); err != nil || code != "print(1)\n" {
		t.Fatalf("unexpected file source %q, %v", code, err)
	}
	if code, err := readSource(strings.NewReader("print(2)"), "-"); err != nil || code != "print(2)" {
		t.Fatalf("unexpected stdin source %q, %v", code, err)
	}
	if _, err := readSource(nil, " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsAuthoringError(t *testing.T) {
	wrapped := fmt.Errorf("validate: %w", &checker.TaskCodeInvalidError{Index: 2})
	if !isAuthoringError(wrapped) {
		t.Fatal("wrapped test error not recognised")
	}
	if !isAuthoringError(&checker.TaskPreparedCodeInvalidError{}) {
		t.Fatal("prepared code error not recognised")
	}
	if isAuthoringError(errors.New("boom")) {
		t.Fatal("plain error misclassified")
	}
}

func TestRootCommandRejectsExplicitMissingConfig(t *testing.T) {
	root := newRootCommand(&app{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "vm", "overlay-gc"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func writeLocalConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("log:\n  level: error\nlocal:\n  workspace_root: %s\n  uid_range: []\n  user: \"\"\n  network_namespace: \"\"\n", t.TempDir())
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestExecCommand(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	configPath := writeLocalConfig(t)

	var stdout, stderr bytes.Buffer
	root := newRootCommand(&app{})
	root.SetArgs([]string{"--config", configPath, "exec", "-"})
	root.SetIn(strings.NewReader("print('from guest')"))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("exec: %v (stderr %q)", err, stderr.String())
	}
	if stdout.String() != "from guest\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}

	stdout.Reset()
	root = newRootCommand(&app{})
	root.SetArgs([]string{"--config", configPath, "exec", "-"})
	root.SetIn(strings.NewReader("raise SystemExit('bad')"))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if err := root.ExecuteContext(context.Background()); !errors.Is(err, errVerdict) {
		t.Fatalf("expected failing verdict, got %v", err)
	}
}

func TestCheckCommand(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	configPath := writeLocalConfig(t)
	dir := t.TempDir()
	taskPath := filepath.Join(dir, "task.yaml")
	task := "id: 5\ntitle: echo\ntests:\n  - assert stdout == \"hello\\n\"\ntimeout: 5s\nattempts_limit: 3\n"
	if err := os.WriteFile(taskPath, []byte(task), 0o644); err != nil {
		t.Fatalf("write task: %v", err)
	}

	var stdout bytes.Buffer
	root := newRootCommand(&app{})
	root.SetArgs([]string{"--config", configPath, "check", "--task", taskPath, "--user-id", "8", "--attempts-used", "1"})
	root.SetIn(strings.NewReader("print('hello')"))
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"passed:\ttrue", "failing_test:\t-1", "attempts_left:\t1", "ok"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}
