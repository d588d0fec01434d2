package sandbox

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/vishvananda/netns"
)

func checkNamespace(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	handle, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("open network namespace %q: %w", name, err)
	}
	return handle.Close()
}

// startInNamespace starts cmd inside the named network namespace. The fork
// inherits the namespace of the calling OS thread, so the switch happens on
// a dedicated locked thread. If switching back fails the thread stays locked
// and is discarded when the goroutine exits.
func startInNamespace(cmd *exec.Cmd, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return cmd.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()

		origin, err := netns.Get()
		if err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("get current network namespace: %w", err)
			return
		}
		defer origin.Close()

		target, err := netns.GetFromName(name)
		if err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("open network namespace %q: %w", name, err)
			return
		}
		defer target.Close()

		if err := netns.Set(target); err != nil {
			runtime.UnlockOSThread()
			errCh <- fmt.Errorf("enter network namespace %q: %w", name, err)
			return
		}

		startErr := cmd.Start()

		if err := netns.Set(origin); err != nil {
			errCh <- startErr
			return
		}
		runtime.UnlockOSThread()
		errCh <- startErr
	}()
	return <-errCh
}
