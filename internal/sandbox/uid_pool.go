package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const uidLeaseDir = ".uids"

// uidPool hands out one uid per session from a fixed range. A lease is an
// exclusive flock on <dir>/<uid>, so runbox processes sharing a workspace
// root never hand out the same uid and a crashed holder frees its lease.
type uidPool struct {
	first, last uint32
	dir         string

	mu   sync.Mutex
	next uint32
}

// uidLease is a held uid. Release drops the lock.
type uidLease struct {
	uid  uint32
	file *os.File
}

func newUIDPool(uidRange []uint32, dir string) (*uidPool, error) {
	if len(uidRange) != 2 {
		return nil, fmt.Errorf("uid range needs two bounds, got %d", len(uidRange))
	}
	first, last := uidRange[0], uidRange[1]
	if first == 0 || first > last {
		return nil, fmt.Errorf("invalid uid range [%d, %d]", first, last)
	}
	return &uidPool{first: first, last: last, dir: dir, next: first}, nil
}

func (p *uidPool) size() uint64 {
	return uint64(p.last) - uint64(p.first) + 1
}

// acquire leases the next free uid, scanning the whole range once.
func (p *uidPool) acquire(owner string) (*uidLease, error) {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create uid lease dir: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	uid := p.next
	for i := uint64(0); i < p.size(); i++ {
		lease, err := p.tryLease(uid, owner)
		if err != nil {
			return nil, err
		}
		next := uid + 1
		if uid == p.last {
			next = p.first
		}
		if lease != nil {
			p.next = next
			return lease, nil
		}
		uid = next
	}
	return nil, fmt.Errorf("no free uid in [%d, %d]", p.first, p.last)
}

func (p *uidPool) tryLease(uid uint32, owner string) (*uidLease, error) {
	path := filepath.Join(p.dir, strconv.FormatUint(uint64(uid), 10))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open uid lease %d: %w", uid, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock uid lease %d: %w", uid, err)
	}
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(owner+"\n"), 0)
	}
	return &uidLease{uid: uid, file: file}, nil
}

func (l *uidLease) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release uid lease %d: %w", l.uid, err)
	}
	return nil
}
