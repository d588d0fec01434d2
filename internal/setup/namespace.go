package setup

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// SetupNamespace creates the named network namespace if needed and brings
// its loopback link up. No other links are added, so guest processes
// started inside it have no route off the host.
func SetupNamespace(name string) error {
	logger := getLogger().With("namespace", name)

	handle, ns, err := ensureNetns(name)
	if err != nil {
		return err
	}
	defer ns.Close()
	defer handle.Delete()

	if err := bringLoopbackUp(handle); err != nil {
		return err
	}
	logger.Info("network namespace ready")
	return nil
}

// RemoveNamespace deletes the named network namespace. A namespace that
// does not exist is not an error.
func RemoveNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	getLogger().Info("network namespace removed", "namespace", name)
	return nil
}

func ensureNetns(name string) (*netlink.Handle, netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, 0, fmt.Errorf("get netns %s: %w", name, err)
		}
		if ns, err = newNamedNetns(name); err != nil {
			return nil, 0, err
		}
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, 0, fmt.Errorf("handle for ns %s: %w", name, err)
	}
	return handle, ns, nil
}

// newNamedNetns creates name, which also moves the calling thread into it.
// The work runs on a dedicated locked thread that is only released once it
// is back in its original namespace.
func newNamedNetns(name string) (netns.NsHandle, error) {
	type result struct {
		ns  netns.NsHandle
		err error
	}
	done := make(chan result, 1)
	go func() {
		runtime.LockOSThread()

		origin, err := netns.Get()
		if err != nil {
			runtime.UnlockOSThread()
			done <- result{err: fmt.Errorf("get current netns: %w", err)}
			return
		}
		defer origin.Close()

		ns, err := netns.NewNamed(name)
		if err != nil {
			// NewNamed may have switched before failing.
			if netns.Set(origin) == nil {
				runtime.UnlockOSThread()
			}
			done <- result{err: fmt.Errorf("create netns %s: %w", name, err)}
			return
		}
		if err := netns.Set(origin); err != nil {
			_ = ns.Close()
			done <- result{err: fmt.Errorf("restore netns: %w", err)}
			return
		}
		runtime.UnlockOSThread()
		done <- result{ns: ns}
	}()

	res := <-done
	return res.ns, res.err
}

func bringLoopbackUp(handle *netlink.Handle) error {
	lo, err := handle.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo: %w", err)
	}
	if err := handle.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring lo up: %w", err)
	}
	return nil
}
