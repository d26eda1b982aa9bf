package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smartui-fusion/fusionhub/internal/analyzer"
	"github.com/smartui-fusion/fusionhub/internal/dispatch"
	"github.com/smartui-fusion/fusionhub/internal/engine"
	"github.com/smartui-fusion/fusionhub/internal/fanout"
	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/internal/store"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

type captureTransport struct {
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (t *captureTransport) WriteEnvelope(raw []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	t.mu.Lock()
	t.frames = append(t.frames, env)
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) Close() error { return nil }

func (t *captureTransport) envelopes() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, len(t.frames))
	copy(out, t.frames)
	return out
}

// waitFrames polls until the transport has seen at least n envelopes.
func (t *captureTransport) waitFrames(tb testing.TB, n int) []protocol.Envelope {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := t.envelopes(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := t.envelopes()
	tb.Fatalf("timed out waiting for %d frames, got %d", n, len(got))
	return got
}

type fixture struct {
	store    store.Store
	registry *registry.Registry
	router   *dispatch.Router
	set      *Set
	conn     *registry.Conn
	out      *captureTransport
}

func newFixture(t *testing.T, opts ...Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(logger, registry.Options{}, registry.Hooks{})
	an := analyzer.New(logger, analyzer.Options{MinInteractions: 3})
	en := engine.New(logger, engine.Options{})
	fo := fanout.New(logger, reg, fanout.Options{})

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	set := New(logger, st, an, en, fo, o)
	router := dispatch.New(logger, dispatch.Options{})
	set.Register(router)

	out := &captureTransport{}
	conn := reg.Add(context.Background(), out)
	t.Cleanup(func() { reg.Remove(conn.ID) })

	return &fixture{store: st, registry: reg, router: router, set: set, conn: conn, out: out}
}

func (f *fixture) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := protocol.Envelope{
		MessageID: uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	f.router.Dispatch(f.conn, protocol.Encode(env))
}

func TestInitRepliesWithProfileAndConnID(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeInit, protocol.InitPayload{ClientType: "web", UserID: "alice"})
	frames := f.out.waitFrames(t, 1)

	if frames[0].Type != protocol.TypeUserProfileUpdate {
		t.Fatalf("reply type = %q, want %q", frames[0].Type, protocol.TypeUserProfileUpdate)
	}
	if frames[0].Source != f.conn.ID {
		t.Errorf("reply source = %q, want conn id %q", frames[0].Source, f.conn.ID)
	}
	if f.conn.UserID() != "alice" {
		t.Errorf("conn user = %q, want alice", f.conn.UserID())
	}
	if f.conn.Kind() != registry.KindWeb {
		t.Errorf("conn kind = %q, want %q", f.conn.Kind(), registry.KindWeb)
	}

	var p protocol.UserProfile
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal profile: %v", err)
	}
	if p.UserType != analyzer.TypeNewUser {
		t.Errorf("user type = %q, want %q", p.UserType, analyzer.TypeNewUser)
	}
}

func TestStartVoiceCommandTwice(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeStartVoiceCommand, protocol.StartVoiceCommandPayload{})
	f.send(t, protocol.TypeStartVoiceCommand, protocol.StartVoiceCommandPayload{})
	frames := f.out.waitFrames(t, 2)

	var first, second protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[0].Payload, &first); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(frames[1].Payload, &second); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if first.Status != protocol.VoiceStatusListening {
		t.Errorf("first status = %q, want %q", first.Status, protocol.VoiceStatusListening)
	}
	if second.Status != protocol.VoiceStatusAlreadyListening {
		t.Errorf("second status = %q, want %q", second.Status, protocol.VoiceStatusAlreadyListening)
	}
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeStopVoiceCommand, protocol.StopVoiceCommandPayload{Transcript: "open settings"})
	frames := f.out.waitFrames(t, 1)

	var p protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Status != protocol.VoiceStatusNotListening {
		t.Errorf("status = %q, want %q", p.Status, protocol.VoiceStatusNotListening)
	}
	if p.Command != nil {
		t.Errorf("command = %+v, want nil", p.Command)
	}
}

func TestVoiceCommandExecuted(t *testing.T) {
	f := newFixture(t)

	// Distinct message types dispatch independently, so wait for each reply
	// before sending the next to pin the order.
	f.send(t, protocol.TypeInit, protocol.InitPayload{ClientType: "web", UserID: "alice"})
	f.out.waitFrames(t, 1)
	f.send(t, protocol.TypeStartVoiceCommand, protocol.StartVoiceCommandPayload{})
	f.out.waitFrames(t, 2)
	f.send(t, protocol.TypeStopVoiceCommand, protocol.StopVoiceCommandPayload{
		Transcript: "open settings",
		Confidence: 0.95,
		DurationMs: 1200,
	})
	frames := f.out.waitFrames(t, 3)

	var p protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[2].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Status != protocol.VoiceStatusExecuted {
		t.Fatalf("status = %q, want %q", p.Status, protocol.VoiceStatusExecuted)
	}
	if p.Command == nil || p.Command.Action != "navigate" || p.Command.Target != "settings" {
		t.Errorf("command = %+v, want navigate/settings", p.Command)
	}
	if f.conn.Listening() {
		t.Error("conn still listening after stop")
	}

	// The executed command is persisted for the identified user.
	f.router.Wait()
	cmds, err := f.store.ListVoiceCommands(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("list voice commands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("persisted commands = %d, want 1", len(cmds))
	}
	if cmds[0].Transcript != "open settings" || cmds[0].Status != protocol.VoiceStatusExecuted {
		t.Errorf("persisted command = %+v", cmds[0])
	}
}

func TestVoiceCommandClarification(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeStartVoiceCommand, protocol.StartVoiceCommandPayload{})
	f.out.waitFrames(t, 1)
	f.send(t, protocol.TypeStopVoiceCommand, protocol.StopVoiceCommandPayload{
		Transcript: "purple monkey dishwasher",
		Confidence: 0.9,
	})
	frames := f.out.waitFrames(t, 2)

	var p protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[1].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Status != protocol.VoiceStatusClarify {
		t.Errorf("status = %q, want %q", p.Status, protocol.VoiceStatusClarify)
	}
	if p.Command != nil {
		t.Errorf("command = %+v, want nil on clarification", p.Command)
	}
}

func TestVoiceListeningWindowExpires(t *testing.T) {
	f := newFixture(t, Options{ListenWindow: 40 * time.Millisecond})

	f.send(t, protocol.TypeStartVoiceCommand, protocol.StartVoiceCommandPayload{})
	frames := f.out.waitFrames(t, 2)

	var started, expired protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[0].Payload, &started); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(frames[1].Payload, &expired); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if started.Status != protocol.VoiceStatusListening {
		t.Errorf("first status = %q, want %q", started.Status, protocol.VoiceStatusListening)
	}
	if expired.Status != protocol.VoiceStatusTimeout {
		t.Errorf("second status = %q, want %q", expired.Status, protocol.VoiceStatusTimeout)
	}
	if f.conn.Listening() {
		t.Error("conn still listening after window elapsed")
	}

	// A stop arriving after the window behaves like a stop without a start.
	f.send(t, protocol.TypeStopVoiceCommand, protocol.StopVoiceCommandPayload{Transcript: "open settings"})
	frames = f.out.waitFrames(t, 3)

	var late protocol.VoiceCommandResultPayload
	if err := json.Unmarshal(frames[2].Payload, &late); err != nil {
		t.Fatalf("unmarshal third: %v", err)
	}
	if late.Status != protocol.VoiceStatusNotListening {
		t.Errorf("late stop status = %q, want %q", late.Status, protocol.VoiceStatusNotListening)
	}
}

func TestVoiceCommandLanguage(t *testing.T) {
	run := func(t *testing.T, start protocol.StartVoiceCommandPayload, want string) {
		f := newFixture(t, Options{DefaultLanguage: "en-GB"})

		f.send(t, protocol.TypeInit, protocol.InitPayload{ClientType: "web", UserID: "alice"})
		f.out.waitFrames(t, 1)
		f.send(t, protocol.TypeStartVoiceCommand, start)
		f.out.waitFrames(t, 2)
		f.send(t, protocol.TypeStopVoiceCommand, protocol.StopVoiceCommandPayload{
			Transcript: "open settings",
			Confidence: 0.95,
		})
		f.out.waitFrames(t, 3)

		f.router.Wait()
		cmds, err := f.store.ListVoiceCommands(context.Background(), "alice", 10)
		if err != nil {
			t.Fatalf("list voice commands: %v", err)
		}
		if len(cmds) != 1 {
			t.Fatalf("persisted commands = %d, want 1", len(cmds))
		}
		if cmds[0].Language != want {
			t.Errorf("persisted language = %q, want %q", cmds[0].Language, want)
		}
	}

	t.Run("explicit", func(t *testing.T) {
		run(t, protocol.StartVoiceCommandPayload{Language: "de-DE"}, "de-DE")
	})
	t.Run("fallback", func(t *testing.T) {
		run(t, protocol.StartVoiceCommandPayload{}, "en-GB")
	})
}

func TestToggleVisualDebug(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeToggleVisualDebug, protocol.ToggleVisualDebugPayload{})
	frames := f.out.waitFrames(t, 1)

	if frames[0].Type != protocol.TypeVisualDebugData {
		t.Fatalf("reply type = %q, want %q", frames[0].Type, protocol.TypeVisualDebugData)
	}
	var p protocol.VisualDebugDataPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Enabled {
		t.Error("first toggle should enable debug")
	}

	off := false
	f.send(t, protocol.TypeToggleVisualDebug, protocol.ToggleVisualDebugPayload{Enabled: &off})
	frames = f.out.waitFrames(t, 2)
	if err := json.Unmarshal(frames[1].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Enabled {
		t.Error("explicit disable should report enabled=false")
	}
}

func TestUserInteractionStreamsAnalysis(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeInit, protocol.InitPayload{ClientType: "web", UserID: "bob"})
	f.out.waitFrames(t, 1)

	// Realtime analysis frames coalesce, so wait for each one before the
	// next interaction to observe all five.
	for i := 0; i < 5; i++ {
		f.send(t, protocol.TypeUserInteraction, protocol.UserInteractionPayload{
			InteractionType: "mouse",
			Action:          fmt.Sprintf("click_%d", i),
			ElementID:       "save-button",
			DurationMs:      400,
		})
		f.out.waitFrames(t, 2+i)
	}
	frames := f.out.waitFrames(t, 6)

	last := frames[len(frames)-1]
	if last.Type != protocol.TypeRealtimeAnalysis {
		t.Fatalf("reply type = %q, want %q", last.Type, protocol.TypeRealtimeAnalysis)
	}
	var p protocol.AnalysisResult
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.UserID != "bob" {
		t.Errorf("analysis user = %q, want bob", p.UserID)
	}
	if p.SuccessRate != 1 {
		t.Errorf("success rate = %v, want 1", p.SuccessRate)
	}

	f.router.Wait()
	n, err := f.store.CountInteractions(context.Background(), "bob")
	if err != nil {
		t.Fatalf("count interactions: %v", err)
	}
	if n != 5 {
		t.Errorf("persisted interactions = %d, want 5", n)
	}
}

func TestApplySuggestion(t *testing.T) {
	f := newFixture(t)

	sg := &store.Suggestion{
		ID:         uuid.New().String(),
		UserID:     "alice",
		Kind:       "enable_voice_shortcuts",
		Title:      "Enable voice shortcuts",
		Confidence: 0.8,
		CreatedAt:  time.Now(),
	}
	if err := f.store.SaveSuggestion(context.Background(), sg); err != nil {
		t.Fatalf("save suggestion: %v", err)
	}

	f.send(t, protocol.TypeApplySuggestion, protocol.ApplySuggestionPayload{SuggestionID: sg.ID})
	frames := f.out.waitFrames(t, 1)

	if frames[0].Type != protocol.TypeSmartSuggestion {
		t.Fatalf("reply type = %q, want %q", frames[0].Type, protocol.TypeSmartSuggestion)
	}
	var p protocol.SmartSuggestionPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AppliedID != sg.ID {
		t.Errorf("applied id = %q, want %q", p.AppliedID, sg.ID)
	}

	f.router.Wait()
	got, err := f.store.GetSuggestion(context.Background(), sg.ID)
	if err != nil {
		t.Fatalf("get suggestion: %v", err)
	}
	if got == nil || !got.Applied {
		t.Errorf("suggestion not marked applied: %+v", got)
	}
}

func TestApplyUnknownSuggestion(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeApplySuggestion, protocol.ApplySuggestionPayload{SuggestionID: "missing"})
	frames := f.out.waitFrames(t, 1)

	if frames[0].Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", frames[0].Type, protocol.TypeError)
	}
	var p protocol.ErrorPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != protocol.CodeNotFound {
		t.Errorf("error code = %q, want %q", p.Code, protocol.CodeNotFound)
	}
}

func TestPushSuggestions(t *testing.T) {
	f := newFixture(t)

	f.send(t, protocol.TypeInit, protocol.InitPayload{ClientType: "web", UserID: "carol"})
	f.out.waitFrames(t, 1)

	// High error rate drives the analyzer toward assistance suggestions.
	for i := 0; i < 20; i++ {
		ok := i%2 == 0
		f.set.analyzer.Record(store.Interaction{
			ID:              uuid.New().String(),
			UserID:          "carol",
			InteractionType: "mouse",
			Action:          "click",
			DurationMs:      3000,
			Success:         ok,
			CreatedAt:       time.Now(),
		})
	}

	n := f.set.PushSuggestions(context.Background(), "carol")
	if n != 1 {
		t.Fatalf("delivered to %d connections, want 1", n)
	}
	frames := f.out.waitFrames(t, 2)
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeSmartSuggestion {
		t.Fatalf("pushed type = %q, want %q", last.Type, protocol.TypeSmartSuggestion)
	}
	var p protocol.SmartSuggestionPayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Suggestions) == 0 {
		t.Fatal("expected at least one suggestion")
	}

	stored, err := f.store.ListSuggestionsByUser(context.Background(), "carol", 10)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(stored) != len(p.Suggestions) {
		t.Errorf("stored %d suggestions, pushed %d", len(stored), len(p.Suggestions))
	}
}
