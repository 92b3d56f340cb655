package ws

import (
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type lockedRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (l *lockedRecorder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ResponseRecorder.Write(p)
}

func (l *lockedRecorder) body() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ResponseRecorder.Body.String()
}

type stubSubscriber struct {
	mu       sync.Mutex
	payloads []string
	closed   bool
	fail     bool
}

func (s *stubSubscriber) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.payloads = append(s.payloads, string(p))
	return nil
}

func (s *stubSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSubscriber) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

func (s *stubSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHub_BroadcastScopedToDeployment(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &stubSubscriber{}
	b := &stubSubscriber{}
	hub.Register("dep-a", a)
	hub.Register("dep-b", b)

	hub.Broadcast("dep-a", []byte("for a"))
	waitFor(t, func() bool { return len(a.received()) == 1 })
	if len(b.received()) != 0 {
		t.Fatalf("watcher of another deployment received %v", b.received())
	}
	if hub.Watchers("dep-a") != 1 {
		t.Fatalf("expected one watcher, got %d", hub.Watchers("dep-a"))
	}

	hub.Unregister("dep-a", a)
	waitFor(t, func() bool { return hub.Watchers("dep-a") == 0 })
}

func TestHub_DropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &stubSubscriber{fail: true}
	hub.Register("dep", bad)
	hub.Broadcast("dep", []byte("x"))
	waitFor(t, func() bool { return bad.isClosed() })
	waitFor(t, func() bool { return hub.Watchers("dep") == 0 })
}

func TestHub_CloseDisconnectsWatchers(t *testing.T) {
	hub := NewHub()
	sub := &stubSubscriber{}
	hub.Register("dep", sub)
	hub.Close()
	waitFor(t, func() bool { return sub.isClosed() })

	hub.Broadcast("dep", []byte("ignored"))
	hub.Close()
}

type gatedSubscriber struct {
	stubSubscriber
	gate chan struct{}
}

func (g *gatedSubscriber) Send(p []byte) error {
	<-g.gate
	return g.stubSubscriber.Send(p)
}

func TestHub_SlowWatcherDoesNotDelayOtherDeployments(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	slow := &gatedSubscriber{gate: make(chan struct{})}
	defer close(slow.gate)
	fast := &stubSubscriber{}
	hub.Register("dep-a", slow)
	hub.Register("dep-b", fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*watcherBuffer; i++ {
			hub.Broadcast("dep-a", []byte("a"))
		}
		hub.Broadcast("dep-b", []byte("b"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked behind a stalled watcher")
	}
	waitFor(t, func() bool { return len(fast.received()) == 1 })
	if hub.Watchers("dep-a") != 0 {
		t.Fatalf("stalled watcher should be evicted, %d remain", hub.Watchers("dep-a"))
	}
}
