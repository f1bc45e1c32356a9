package chat

import (
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(128, nil)
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r
}

func newTestClient(id, ip string) *Client {
	return &Client{ID: id, IP: ip, Out: make(chan string, 64)}
}

func TestRegistry_RegisterRejectsDuplicateConnection(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(newTestClient("10.0.0.1:5000", "10.0.0.1")); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := r.Register(newTestClient("10.0.0.1:5000", "10.0.0.1")); err != ErrDuplicateClient {
		t.Fatalf("expected ErrDuplicateClient, got %v", err)
	}
	if err := r.Register(newTestClient("10.0.0.1:5001", "10.0.0.1")); err != nil {
		t.Fatalf("second port of same ip should register, got %v", err)
	}
	if n := len(r.Snapshot()); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}
}

func TestRegistry_UpdateAndLookupReturnCopies(t *testing.T) {
	r := newTestRegistry(t)
	c := newTestClient("10.0.0.1:5000", "10.0.0.1")
	register(t, r, c)

	s, ok := r.Session(c.ID)
	if !ok || s.Authenticated {
		t.Fatalf("new session should be unauthenticated, got %+v ok=%v", s, ok)
	}

	updated, ok := r.Update(c.ID, func(s *Session) {
		s.Authenticated = true
		s.Email = "alice@d.fr"
	})
	if !ok || !updated.Authenticated || updated.Email != "alice@d.fr" {
		t.Fatalf("unexpected update result %+v ok=%v", updated, ok)
	}

	s.Email = "mutated@d.fr"
	again, _ := r.Session(c.ID)
	if again.Email != "alice@d.fr" {
		t.Fatalf("copy mutation leaked into registry: %q", again.Email)
	}

	if _, ok := r.Update("nobody:1", func(*Session) {}); ok {
		t.Fatalf("update of unknown id should fail")
	}
}

func TestRegistry_UnregisterClosesQueue(t *testing.T) {
	r := newTestRegistry(t)
	c := newTestClient("10.0.0.1:5000", "10.0.0.1")
	register(t, r, c)

	if _, ok := r.Unregister(c.ID); !ok {
		t.Fatalf("expected unregister to find the session")
	}
	if _, ok := r.Session(c.ID); ok {
		t.Fatalf("session still present after unregister")
	}
	if c.Send("late") {
		t.Fatalf("send to a removed client must be dropped")
	}
	if _, open := <-c.Out; open {
		t.Fatalf("outbound queue should be closed")
	}
	if _, ok := r.Unregister(c.ID); ok {
		t.Fatalf("second unregister should report false")
	}
}

func TestRegistry_FindByEmailOnlyAuthenticated(t *testing.T) {
	r := newTestRegistry(t)
	a1 := newTestClient("10.0.0.1:5000", "10.0.0.1")
	a2 := newTestClient("10.0.0.2:5000", "10.0.0.2")
	other := newTestClient("10.0.0.3:5000", "10.0.0.3")
	for _, c := range []*Client{a1, a2, other} {
		register(t, r, c)
	}
	login(t, r, a1, "alice@d.fr")
	login(t, r, a2, "alice@d.fr")

	ids := r.FindByEmail("alice@d.fr")
	if strings.Join(ids, ",") != "10.0.0.1:5000,10.0.0.2:5000" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if ids := r.FindByEmail("bob@d.fr"); len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
}

func TestRegistry_DisconnectSendsNoticeThenCloses(t *testing.T) {
	r := newTestRegistry(t)
	alice := newTestClient("10.0.0.1:5000", "10.0.0.1")
	bob := newTestClient("10.0.0.2:5000", "10.0.0.2")
	register(t, r, alice)
	register(t, r, bob)

	gone := r.Disconnect(func(s Session) bool { return s.IP == "10.0.0.1" }, "BAN_CLIENT")
	if len(gone) != 1 || gone[0].ID != alice.ID {
		t.Fatalf("unexpected disconnect result %+v", gone)
	}
	if got := waitForPrefix(t, alice.Out, "BAN_CLIENT"); got != "BAN_CLIENT" {
		t.Fatalf("unexpected notice %q", got)
	}
	if _, open := <-alice.Out; open {
		t.Fatalf("queue should be closed after the notice")
	}
	if _, ok := r.Session(bob.ID); !ok {
		t.Fatalf("unmatched session must survive")
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"10.0.0.1:1", "10.0.0.1:2", "10.0.0.1:3"} {
		register(t, r, newTestClient(id, "10.0.0.1"))
	}
	if gone := r.CloseAll(); len(gone) != 3 {
		t.Fatalf("expected 3 closed sessions, got %d", len(gone))
	}
	if n := len(r.Snapshot()); n != 0 {
		t.Fatalf("expected empty registry, got %d", n)
	}
}

func TestRegistry_StoppedReturnsError(t *testing.T) {
	r := NewRegistry(1, nil)
	go r.Run()
	r.Stop()
	r.Wait()

	if err := r.Register(newTestClient("10.0.0.1:1", "10.0.0.1")); err != ErrRegistryStopped {
		t.Fatalf("expected ErrRegistryStopped, got %v", err)
	}
	if entries := r.Snapshot(); entries != nil {
		t.Fatalf("expected nil snapshot, got %v", entries)
	}
}

func register(t *testing.T, r *Registry, c *Client) {
	t.Helper()
	if err := r.Register(c); err != nil {
		t.Fatalf("register(%s) error: %v", c.ID, err)
	}
}

func login(t *testing.T, r *Registry, c *Client, email string) Session {
	t.Helper()
	s, ok := r.Update(c.ID, func(s *Session) {
		s.Authenticated = true
		s.Email = email
	})
	if !ok {
		t.Fatalf("login(%s) failed", c.ID)
	}
	return s
}

func waitForPrefix(t *testing.T, ch <-chan string, prefix string) string {
	t.Helper()
	deadline := time.NewTimer(1 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for prefix %q", prefix)
			}
			if strings.HasPrefix(s, prefix) {
				return s
			}
			// ignore unrelated lines
		case <-deadline.C:
			t.Fatalf("timeout waiting for prefix %q", prefix)
		}
	}
}

func expectNothing(t *testing.T, ch <-chan string, within time.Duration) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if ok {
			t.Fatalf("unexpected line %q", s)
		}
	case <-time.After(within):
	}
}
