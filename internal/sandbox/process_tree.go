package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var procRoot = "/proc"

// signalTree delivers sig to the process group led by pid and to every
// descendant of pid, including children that moved to their own group.
func signalTree(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	// Collect before signalling: killed parents re-parent their children.
	descendants := collectDescendants(procRoot, pid)

	var errs []error
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("signal process group %d: %w", pid, err))
	}
	for _, child := range descendants {
		if err := unix.Kill(child, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signal process %d: %w", child, err))
		}
	}
	return errors.Join(errs...)
}

// collectDescendants walks the parent table under root breadth-first and
// returns every transitive child of pid in ascending order.
func collectDescendants(root string, pid int) []int {
	parents, err := readParentTable(root)
	if err != nil {
		return nil
	}

	children := make(map[int][]int, len(parents))
	for child, parent := range parents {
		children[parent] = append(children[parent], child)
	}

	seen := map[int]struct{}{pid: {}}
	queue := []int{pid}
	var out []int
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Ints(out)
	return out
}

func readParentTable(root string) (map[int]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	parents := make(map[int]int, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		// Processes may exit between ReadDir and ReadFile.
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "stat"))
		if err != nil {
			continue
		}
		if ppid, ok := parseStatPPID(string(data)); ok {
			parents[pid] = ppid
		}
	}
	return parents, nil
}

// parseStatPPID extracts the parent pid from a /proc/<pid>/stat line. The
// command name may contain spaces and parentheses, so fields are counted
// from the last closing parenthesis.
func parseStatPPID(stat string) (int, bool) {
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

// killUID sends SIGKILL to every live process owned by uid until none are
// left or timeout expires. Orphans that escaped the fragment's tree are
// found this way because every session runs under its own uid.
func killUID(uid uint32, timeout time.Duration) error {
	if uid == 0 {
		return errors.New("refusing to kill processes of uid 0")
	}
	deadline := time.Now().Add(timeout)
	for {
		pids := collectByUID(procRoot, uid)
		if len(pids) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("processes of uid %d survive: %v", uid, pids)
		}
		for _, pid := range pids {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("signal process %d: %w", pid, err)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// collectByUID returns the live processes under root whose real or
// effective uid is uid, in ascending order. Zombies are skipped.
func collectByUID(root string, uid uint32) []int {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "status"))
		if err != nil {
			continue
		}
		ruid, euid, zombie, ok := parseStatusUID(string(data))
		if !ok || zombie {
			continue
		}
		if ruid == uid || euid == uid {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

// parseStatusUID reads the real and effective uid and the zombie state from
// a /proc/<pid>/status document.
func parseStatusUID(status string) (ruid, euid uint32, zombie, ok bool) {
	for _, line := range strings.Split(status, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		switch key {
		case "State":
			zombie = len(fields) > 0 && fields[0] == "Z"
		case "Uid":
			if len(fields) < 2 {
				return 0, 0, false, false
			}
			r, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return 0, 0, false, false
			}
			e, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return 0, 0, false, false
			}
			ruid, euid, ok = uint32(r), uint32(e), true
		}
	}
	return ruid, euid, zombie, ok
}
