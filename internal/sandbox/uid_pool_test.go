package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewUIDPoolRejectsBadRanges(t *testing.T) {
	dir := t.TempDir()
	for _, r := range [][]uint32{nil, {1000}, {0, 10}, {20, 10}, {1, 2, 3}} {
		if _, err := newUIDPool(r, dir); err == nil {
			t.Fatalf("range %v should be rejected", r)
		}
	}
}

func TestUIDPoolHandsOutDistinctUIDs(t *testing.T) {
	pool, err := newUIDPool([]uint32{300000, 300002}, t.TempDir())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	seen := map[uint32]bool{}
	var leases []*uidLease
	for i := 0; i < 3; i++ {
		lease, err := pool.acquire("session")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if seen[lease.uid] {
			t.Fatalf("uid %d handed out twice", lease.uid)
		}
		seen[lease.uid] = true
		leases = append(leases, lease)
	}

	if _, err := pool.acquire("overflow"); err == nil || !strings.Contains(err.Error(), "no free uid") {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	if err := leases[1].release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	lease, err := pool.acquire("again")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if lease.uid != leases[1].uid {
		t.Fatalf("expected released uid %d, got %d", leases[1].uid, lease.uid)
	}
	for _, l := range append(leases, lease) {
		l.release()
	}
}

func TestUIDPoolLeaseRecordsOwner(t *testing.T) {
	dir := t.TempDir()
	pool, err := newUIDPool([]uint32{300000, 300000}, dir)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	lease, err := pool.acquire("task1-user2-3")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.release()

	data, err := os.ReadFile(filepath.Join(dir, "300000"))
	if err != nil {
		t.Fatalf("read lease: %v", err)
	}
	if string(data) != "task1-user2-3\n" {
		t.Fatalf("unexpected lease content %q", data)
	}
}

// Two pools on one directory stand in for two runbox processes sharing a
// workspace root: a uid locked by one is never handed out by the other.
func TestUIDPoolSharedDirectory(t *testing.T) {
	dir := t.TempDir()
	first, err := newUIDPool([]uint32{300000, 300001}, dir)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	second, err := newUIDPool([]uint32{300000, 300001}, dir)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	a, err := first.acquire("a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := second.acquire("b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a.uid == b.uid {
		t.Fatalf("both pools leased uid %d", a.uid)
	}
	if _, err := second.acquire("c"); err == nil {
		t.Fatal("range should be exhausted across pools")
	}

	if err := a.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, err := second.acquire("c")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if c.uid != a.uid {
		t.Fatalf("expected freed uid %d, got %d", a.uid, c.uid)
	}
	b.release()
	c.release()
}
