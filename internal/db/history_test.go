package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/protocol"
)

var whisper = protocol.OpCode{ID: 0x0081, Name: "ChatWhisper"}

func openHistory(t *testing.T) *HistoryDatabase {
	t.Helper()
	h, err := NewHistoryDatabase(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("NewHistoryDatabase failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_RecordsSession(t *testing.T) {
	h := openHistory(t)
	id := "3f1c9a52-0000-4000-8000-000000000001"

	if err := h.RecordStarted(events.ResolveStartedPayload{SessionID: id, OpCode: whisper, Path: "/tmp/00129_ChatWhisper.txt", Fields: 1, BufferLen: 2}); err != nil {
		t.Fatal(err)
	}
	for i, hint := range []string{"Decode4", "DecodeString"} {
		ft, _ := protocol.DefaultHintTable().Lookup(hint)
		err := h.RecordField(events.FieldResolvedPayload{
			SessionID: id, OpCode: whisper, Seq: i + 2, Offset: 8, Hint: hint, Type: ft, Value: ft.Sentinel(), BufferLen: 6 + i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	running, err := h.Session(id)
	if err != nil {
		t.Fatal(err)
	}
	if running.State != StateRunning || running.FinishedAt != nil || running.InitialFields != 1 {
		t.Errorf("unexpected running record %+v", running)
	}

	if err := h.RecordFinished(events.ResolveFinishedPayload{SessionID: id, OpCode: whisper, State: "accepted", Reason: "silence", Fields: 3, BufferLen: 7}); err != nil {
		t.Fatal(err)
	}

	rec, err := h.Session(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "accepted" || rec.Fields != 3 || rec.OpCode != 0x0081 || rec.FinishedAt == nil {
		t.Errorf("unexpected finished record %+v", rec)
	}

	steps, err := h.Steps(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0].FieldType != "Int" || steps[1].FieldType != "String" {
		t.Errorf("unexpected steps %+v", steps)
	}
}

func TestHistory_FinishedBeforeStarted(t *testing.T) {
	h := openHistory(t)
	id := "out-of-order"

	if err := h.RecordFinished(events.ResolveFinishedPayload{SessionID: id, OpCode: whisper, State: "aborted", Reason: "session closed"}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordStarted(events.ResolveStartedPayload{SessionID: id, OpCode: whisper, Path: "p"}); err != nil {
		t.Fatal(err)
	}

	rec, err := h.Session(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "aborted" || rec.Path != "p" {
		t.Errorf("started must not overwrite the finished state: %+v", rec)
	}
}

func TestHistory_RecentSessionsFilter(t *testing.T) {
	h := openHistory(t)
	handshake := protocol.OpCode{ID: 0x1600, Name: "ChatHandshake"}

	for i, op := range []protocol.OpCode{whisper, handshake, whisper} {
		id := string(rune('a' + i))
		if err := h.RecordStarted(events.ResolveStartedPayload{SessionID: id, OpCode: op}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := h.RecentSessions(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(all))
	}

	only, err := h.RecentSessions(10, 0x1600)
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].Name != "ChatHandshake" {
		t.Errorf("unexpected filtered sessions %+v", only)
	}

	limited, err := h.RecentSessions(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestHistory_SessionNotFound(t *testing.T) {
	h := openHistory(t)
	if _, err := h.Session("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHistory_SubscribeRecordsBusEvents(t *testing.T) {
	h := openHistory(t)
	bus := events.NewEventBus()
	h.Subscribe(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventResolveStarted, Payload: events.ResolveStartedPayload{SessionID: "s1", OpCode: whisper}})
	bus.Emit(ctx, events.Event{Type: events.EventFeedbackIgnored, Payload: events.FeedbackIgnoredPayload{SessionID: "s1", OpCode: whisper, Text: "garbage", Reason: "malformed"}})
	bus.Emit(ctx, events.Event{Type: events.EventFieldResolved, Payload: events.FieldResolvedPayload{SessionID: "s1", OpCode: whisper, Seq: 1, Offset: 6, Hint: "Decode1", Type: protocol.FieldByte, Value: "0", BufferLen: 1}})
	bus.Stop()

	if _, err := h.Session("s1"); err != nil {
		t.Fatalf("session not recorded: %v", err)
	}
	steps, err := h.Steps("s1")
	if err != nil || len(steps) != 1 {
		t.Errorf("steps=%+v err=%v", steps, err)
	}
	ignored, err := h.Ignored("s1")
	if err != nil || len(ignored) != 1 || ignored[0].Text != "garbage" {
		t.Errorf("ignored=%+v err=%v", ignored, err)
	}
}

func TestHistory_PruneKeepsRunning(t *testing.T) {
	h := openHistory(t)
	if err := h.RecordStarted(events.ResolveStartedPayload{SessionID: "live", OpCode: whisper}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordFinished(events.ResolveFinishedPayload{SessionID: "done", OpCode: whisper, State: "accepted"}); err != nil {
		t.Fatal(err)
	}

	// A negative retention puts the cutoff in the future.
	n, err := h.Prune(-1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
	if _, err := h.Session("live"); err != nil {
		t.Errorf("running session must survive: %v", err)
	}
}
