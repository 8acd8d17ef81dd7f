package registry

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
	"github.com/nextlevelbuilder/sshgateway/internal/policy"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return New(opts, broker.New(nil), policy.New(policy.LevelMedium), nil)
}

func TestCreateAndGetSession(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 5})

	s, err := r.CreateSession("s1", "10.0.0.1", 22, "deploy")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, ok := r.GetSession("s1")
	if !ok {
		t.Fatalf("GetSession(s1) not found after create")
	}
	if got != s {
		t.Fatalf("GetSession returned a different object than CreateSession")
	}

	if !r.RemoveSession("s1") {
		t.Fatalf("RemoveSession(s1) = false, want true")
	}
	if _, ok := r.GetSession("s1"); ok {
		t.Fatalf("GetSession(s1) still present after removal")
	}
	if r.RemoveSession("s1") {
		t.Fatalf("second RemoveSession(s1) should report absence")
	}
}

func TestCreateSessionIDCollision(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 5})

	if _, err := r.CreateSession("dup", "h1", 22, "u"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.CreateSession("dup", "h2", 22, "u"); err == nil {
		t.Fatalf("expected collision error for duplicate session id")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 2})

	for _, id := range []string{"s1", "s2"} {
		if _, err := r.CreateSession(id, "host", 22, "u"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		// Creation times must be distinguishable for eviction ordering.
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := r.CreateSession("s3", "host", 22, "u"); err != nil {
		t.Fatalf("create s3: %v", err)
	}

	if _, ok := r.GetSession("s1"); ok {
		t.Fatalf("s1 should have been evicted as the oldest session")
	}
	for _, id := range []string{"s2", "s3"} {
		if _, ok := r.GetSession(id); !ok {
			t.Fatalf("%s should still be present", id)
		}
	}
	if r.Count() != 2 {
		t.Fatalf("population %d exceeds max 2", r.Count())
	}
}

func TestCleanupExpired(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 5, IdleTTL: 50 * time.Millisecond})

	if _, err := r.CreateSession("old", "host", 22, "u"); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := r.CreateSession("fresh", "host", 22, "u"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if n := r.CleanupExpired(); n != 1 {
		t.Fatalf("CleanupExpired removed %d sessions, want 1", n)
	}
	if _, ok := r.GetSession("old"); ok {
		t.Fatalf("expired session still present")
	}
	if _, ok := r.GetSession("fresh"); !ok {
		t.Fatalf("fresh session should have survived cleanup")
	}
}

func TestConnectRateLimit(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 10, ConnectPerHostPerMinute: 2})

	if _, err := r.CreateSession("a", "busy-host", 22, "u"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := r.CreateSession("b", "busy-host", 22, "u"); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := r.CreateSession("c", "busy-host", 22, "u"); err == nil {
		t.Fatalf("third create within a minute should be rate limited")
	}
	// A different host has its own bucket.
	if _, err := r.CreateSession("d", "other-host", 22, "u"); err != nil {
		t.Fatalf("create on other host: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 5})

	for _, id := range []string{"s1", "s2"} {
		if _, err := r.CreateSession(id, "host", 2222, "ops"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	infos := r.ListSessions()
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Connected {
			t.Fatalf("session %s reported connected before Connect", info.SessionID)
		}
		if info.Port != 2222 || info.Username != "ops" {
			t.Fatalf("info fields wrong: %+v", info)
		}
	}
}

func TestDisconnectAll(t *testing.T) {
	r := newTestRegistry(t, Options{MaxSessions: 5})
	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := r.CreateSession(id, "host", 22, "u"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	r.DisconnectAll()
	if r.Count() != 0 {
		t.Fatalf("registry not empty after DisconnectAll: %d", r.Count())
	}
}
