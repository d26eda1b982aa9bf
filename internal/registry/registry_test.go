package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	block  chan struct{} // when non-nil, writes wait until closed
}

func (t *fakeTransport) WriteEnvelope(data []byte) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	t.writes = append(t.writes, cp)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) written() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(t.writes))
	for _, w := range t.writes {
		var env protocol.Envelope
		if err := json.Unmarshal(w, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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
	t.Fatal("condition not met before deadline")
}

func TestAddAssignsUniqueIDs(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	a := r.Add(context.Background(), &fakeTransport{})
	b := r.Add(context.Background(), &fakeTransport{})
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", r.Count())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	c := r.Add(context.Background(), &fakeTransport{})

	r.Remove(c.ID)
	if r.Count() != 0 {
		t.Fatalf("expected 0 connections, got %d", r.Count())
	}
	r.Remove(c.ID) // second remove must not panic or block
	r.Remove("no-such-conn")

	select {
	case <-c.Context().Done():
	default:
		t.Fatal("connection context not cancelled after remove")
	}
}

func TestEnqueueAfterRemoveFails(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	c := r.Add(context.Background(), &fakeTransport{})
	r.Remove(c.ID)

	err := c.Enqueue(protocol.New(protocol.TypeSmartSuggestion, "server", nil))
	if err != ErrConnectionGone {
		t.Fatalf("expected ErrConnectionGone, got %v", err)
	}
}

func TestWriterDeliversInOrder(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	tr := &fakeTransport{}
	c := r.Add(context.Background(), tr)

	for i := 0; i < 5; i++ {
		env := protocol.New(protocol.TypeVoiceCommandResult, "server", map[string]int{"n": i})
		if err := c.Enqueue(env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(tr.written()) == 5 })
	for i, env := range tr.written() {
		var p map[string]int
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if p["n"] != i {
			t.Fatalf("out of order delivery: position %d carries n=%d", i, p["n"])
		}
	}
}

func TestCoalescingReplacesQueuedEntry(t *testing.T) {
	var coalesced int
	var mu sync.Mutex
	r := New(testLogger(), Options{SendQueueSize: 16}, Hooks{
		OnCoalesce: func(string) {
			mu.Lock()
			coalesced++
			mu.Unlock()
		},
	})

	// Block the writer so envelopes pile up in the queue.
	tr := &fakeTransport{block: make(chan struct{})}
	c := r.Add(context.Background(), tr)

	for i := 0; i < 4; i++ {
		env := protocol.New(protocol.TypeVisualDebugData, "server", map[string]int{"rev": i})
		if err := c.Enqueue(env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	close(tr.block)
	waitFor(t, func() bool {
		for _, env := range tr.written() {
			var p map[string]int
			json.Unmarshal(env.Payload, &p)
			if p["rev"] == 3 {
				return true
			}
		}
		return false
	})

	// Older revisions must never reach the transport once replaced.
	delivered := 0
	for _, env := range tr.written() {
		if env.Type == protocol.TypeVisualDebugData {
			delivered++
			var p map[string]int
			json.Unmarshal(env.Payload, &p)
			if p["rev"] != 3 && delivered > 1 {
				t.Fatalf("stale revision %d delivered after coalescing", p["rev"])
			}
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if coalesced == 0 {
		t.Fatal("expected at least one coalesce event")
	}
}

func TestIdentityAndFlags(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	c := r.Add(context.Background(), &fakeTransport{})

	c.SetIdentity(KindVSCode, "user-7")
	if c.Kind() != KindVSCode || c.UserID() != "user-7" {
		t.Fatalf("identity not recorded: kind=%q user=%q", c.Kind(), c.UserID())
	}

	if !c.BeginListening("en-US", 0, nil) {
		t.Fatal("first BeginListening should open a session")
	}
	if c.BeginListening("en-US", 0, nil) {
		t.Fatal("second BeginListening should report the open session")
	}
	if lang, open := c.EndListening(); !open || lang != "en-US" {
		t.Fatalf("EndListening = (%q, %v), want (en-US, true)", lang, open)
	}
	if _, open := c.EndListening(); open {
		t.Fatal("EndListening without a session should report closed")
	}

	if on := c.ToggleVisualDebug(nil); !on {
		t.Fatal("nil toggle should flip off to on")
	}
	off := false
	if on := c.ToggleVisualDebug(&off); on {
		t.Fatal("explicit false should disable")
	}
}

func TestKindFromClientType(t *testing.T) {
	tests := []struct {
		in   string
		want ClientKind
	}{
		{"web", KindWeb},
		{"web_frontend", KindWeb},
		{"vscode_extension", KindVSCode},
		{"electron_app", KindDesktop},
		{"android_service", KindMobile},
		{"toaster", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := KindFromClientType(tt.in); got != tt.want {
			t.Errorf("KindFromClientType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubscriptions(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	a := r.Add(context.Background(), &fakeTransport{})
	b := r.Add(context.Background(), &fakeTransport{})

	if err := r.Subscribe(a.ID, "analysis"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := r.Subscribe(b.ID, "analysis"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := r.Unsubscribe(b.ID, "analysis"); err != nil {
		t.Fatalf("unsubscribe b: %v", err)
	}

	subs := r.Subscribers("analysis")
	if len(subs) != 1 || subs[0].ID != a.ID {
		t.Fatalf("expected only conn %s subscribed, got %d entries", a.ID, len(subs))
	}
}

func TestSubscribeGoneConnection(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	c := r.Add(context.Background(), &fakeTransport{})
	r.Remove(c.ID)

	if err := r.Subscribe(c.ID, "analysis"); !errors.Is(err, ErrConnectionGone) {
		t.Fatalf("Subscribe after remove = %v, want ErrConnectionGone", err)
	}
	if err := r.Unsubscribe(c.ID, "analysis"); !errors.Is(err, ErrConnectionGone) {
		t.Fatalf("Unsubscribe after remove = %v, want ErrConnectionGone", err)
	}
	if err := r.Subscribe("no-such-conn", "analysis"); !errors.Is(err, ErrConnectionGone) {
		t.Fatalf("Subscribe unknown id = %v, want ErrConnectionGone", err)
	}
}

func TestListeningWindowExpires(t *testing.T) {
	r := New(testLogger(), Options{}, Hooks{})
	c := r.Add(context.Background(), &fakeTransport{})

	expired := make(chan struct{})
	if !c.BeginListening("en-US", 20*time.Millisecond, func() { close(expired) }) {
		t.Fatal("BeginListening failed")
	}

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("listening window never expired")
	}
	if c.Listening() {
		t.Fatal("session still open after expiry")
	}

	// An explicit end before the window disarms the timer.
	done := make(chan struct{})
	if !c.BeginListening("en-US", 50*time.Millisecond, func() { close(done) }) {
		t.Fatal("BeginListening failed after expiry")
	}
	if _, open := c.EndListening(); !open {
		t.Fatal("session should have been open")
	}
	select {
	case <-done:
		t.Fatal("expire ran after an explicit EndListening")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSweepRemovesIdleConnections(t *testing.T) {
	r := New(testLogger(), Options{IdleTimeout: 50 * time.Millisecond}, Hooks{})
	stale := r.Add(context.Background(), &fakeTransport{})
	fresh := r.Add(context.Background(), &fakeTransport{})

	stale.touch(time.Now().Add(-time.Second))
	fresh.touch(time.Now())

	r.sweep(time.Now())

	if r.Get(stale.ID) != nil {
		t.Fatal("stale connection survived the sweep")
	}
	if r.Get(fresh.ID) == nil {
		t.Fatal("fresh connection removed by the sweep")
	}
}

func TestHooksFire(t *testing.T) {
	var mu sync.Mutex
	var added, removed int
	r := New(testLogger(), Options{}, Hooks{
		OnAdd: func(*Conn) {
			mu.Lock()
			added++
			mu.Unlock()
		},
		OnRemove: func(*Conn) {
			mu.Lock()
			removed++
			mu.Unlock()
		},
	})

	c := r.Add(context.Background(), &fakeTransport{})
	r.Remove(c.ID)
	r.Remove(c.ID)

	mu.Lock()
	defer mu.Unlock()
	if added != 1 || removed != 1 {
		t.Fatalf("expected 1 add / 1 remove, got %d / %d", added, removed)
	}
}
