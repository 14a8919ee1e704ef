package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/structure"
)

var whisper = protocol.OpCode{ID: 0x0081, Name: "ChatWhisper"}

// fakeSession records sends and lets tests inject diagnostics.
type fakeSession struct {
	mu       sync.Mutex
	onError  func(string)
	onUnbind func()
	sendErr  error
	sent     chan []byte
	closed   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) Send(opcode uint16, payload []byte) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- append([]byte(nil), payload...)
	return nil
}

func (s *fakeSession) SetErrorHandler(onError func(string), onUnbind func()) {
	s.mu.Lock()
	prev := s.onUnbind
	s.onError, s.onUnbind = onError, onUnbind
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *fakeSession) Closed() <-chan struct{} {
	return s.closed
}

func (s *fakeSession) feed(text string) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	h(text)
}

func (s *fakeSession) failSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func waitSent(t *testing.T, s *fakeSession) []byte {
	t.Helper()
	select {
	case p := <-s.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return nil
	}
}

func waitDone(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !e.State().Terminal() {
		t.Fatal("timed out waiting for the engine to finish")
	}
	return err
}

func feedback(op uint16, offset int, hint string) string {
	return FormatFeedback(FeedbackEvent{OpCode: op, Offset: offset, Hint: hint})
}

type fixture struct {
	store   *structure.Store
	st      *structure.Structure
	session *fakeSession
	engine  *Engine
}

func startEngine(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := structure.NewStore(t.TempDir())
	st, err := store.LoadOrCreate(whisper)
	if err != nil {
		t.Fatal(err)
	}
	return startOn(t, store, st, newFakeSession(), opts)
}

func startOn(t *testing.T, store *structure.Store, st *structure.Structure, session *fakeSession, opts Options) *fixture {
	t.Helper()
	eng, err := NewEngine(st, store, nil, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := eng.Start(ctx, session); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return &fixture{store: store, st: st, session: session, engine: eng}
}

func lastLine(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	return lines[len(lines)-1]
}

func TestEngine_AppendsShortFromFeedback(t *testing.T) {
	f := startEngine(t, Options{})

	if first := waitSent(t, f.session); len(first) != 0 {
		t.Fatalf("initial send should be empty, got %d bytes", len(first))
	}
	if f.engine.State() != StateSent {
		t.Errorf("expected sent, got %s", f.engine.State())
	}

	f.session.feed("[type=129][offset=6][hint=Decode2]")

	if resent := waitSent(t, f.session); len(resent) != 2 {
		t.Fatalf("expected a 2-byte resend, got %d bytes", len(resent))
	}
	if got := lastLine(t, f.st.Path); got != "\tw.WriteShort(0);" {
		t.Errorf("unexpected persisted line %q", got)
	}

	snap := f.engine.Snapshot()
	if snap.State != StateExtending || snap.Fields != 1 || snap.BufferLen != 2 || snap.Sends != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestEngine_OffsetTracksBufferLength(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	steps := []struct {
		hint  string
		width int
	}{
		{"Decode1", 1},
		{"Decode4", 4},
		{"DecodeString", 1},
		{"DecodeUnicodeString", 2},
		{"Decode8", 8},
		{"DecodeFloat", 4},
	}

	length := 0
	for _, s := range steps {
		f.session.feed(feedback(whisper.ID, length+protocol.HeaderLength, s.hint))
		payload := waitSent(t, f.session)
		length += s.width
		if len(payload) != length {
			t.Fatalf("after %s: expected %d bytes, got %d", s.hint, length, len(payload))
		}
	}

	reloaded, err := f.store.Load(whisper)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Fields) != len(steps) {
		t.Errorf("expected %d persisted fields, got %d", len(steps), len(reloaded.Fields))
	}
}

func TestEngine_OffsetMismatchAborts(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)
	f.session.feed(feedback(whisper.ID, 6, "Decode2"))
	waitSent(t, f.session)

	before, err := os.ReadFile(f.st.Path)
	if err != nil {
		t.Fatal(err)
	}

	f.session.feed(feedback(whisper.ID, 10, "Decode4"))
	err = waitDone(t, f.engine)
	if !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("expected ErrOffsetMismatch, got %v", err)
	}
	var abort *AbortError
	if !errors.As(err, &abort) || abort.Expected != 8 || abort.Offset != 10 {
		t.Errorf("unexpected abort detail %+v", abort)
	}

	after, _ := os.ReadFile(f.st.Path)
	if string(before) != string(after) {
		t.Error("structure file changed after an offset mismatch")
	}
	if f.engine.State() != StateAborted {
		t.Errorf("expected aborted, got %s", f.engine.State())
	}
}

func TestEngine_ConcurrentDeliverySerializes(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	// Every copy reports the first field. Only the first one processed may
	// extend the buffer; the next sees a stale offset.
	const senders = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			f.session.feed(feedback(whisper.ID, 6, "Decode2"))
		}()
	}
	close(start)
	wg.Wait()

	err := waitDone(t, f.engine)
	var abort *AbortError
	if !errors.As(err, &abort) || !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("expected an offset mismatch abort, got %v", err)
	}
	if abort.Offset != 6 || abort.Expected != 8 {
		t.Errorf("unexpected abort detail %+v", abort)
	}

	snap := f.engine.Snapshot()
	if snap.Fields != 1 || snap.BufferLen != 2 {
		t.Errorf("expected exactly one field, got %d fields, %d bytes", snap.Fields, snap.BufferLen)
	}
	reloaded, err := f.store.Load(whisper)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Fields) != 1 || reloaded.Fields[0].Type != protocol.FieldShort {
		t.Errorf("expected one persisted Short, got %+v", reloaded.Fields)
	}
}

func TestEngine_ForeignOpCodeAborts(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	f.session.feed(feedback(0x1600, 6, "Decode2"))
	if err := waitDone(t, f.engine); !errors.Is(err, ErrUnexpectedOpCode) {
		t.Fatalf("expected ErrUnexpectedOpCode, got %v", err)
	}
}

func TestEngine_MalformedFeedbackIgnored(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	f.session.feed("Bad packet from client")
	f.session.feed(feedback(whisper.ID, 6, "Decode1"))

	if payload := waitSent(t, f.session); len(payload) != 1 {
		t.Fatalf("expected a 1-byte resend, got %d", len(payload))
	}
	snap := f.engine.Snapshot()
	if snap.Feedbacks != 1 || snap.Fields != 1 {
		t.Errorf("malformed text should not count: %+v", snap)
	}
}

func TestEngine_StopOnNoError(t *testing.T) {
	f := startEngine(t, Options{StopOnNoError: true})
	waitSent(t, f.session)

	f.session.feed(feedback(whisper.ID, 6, "None"))
	if err := waitDone(t, f.engine); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	snap := f.engine.Snapshot()
	if snap.State != StateAccepted || snap.Reason != ReasonNoError || snap.FinishedAt == nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestEngine_NoErrorWithoutStopWaitsForQuiet(t *testing.T) {
	f := startEngine(t, Options{QuietPeriod: 50 * time.Millisecond})
	waitSent(t, f.session)

	f.session.feed(feedback(whisper.ID, 6, "0"))
	if err := waitDone(t, f.engine); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if snap := f.engine.Snapshot(); snap.Reason != ReasonAcknowledged || snap.Fields != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestEngine_QuietPeriodAccepts(t *testing.T) {
	f := startEngine(t, Options{QuietPeriod: 20 * time.Millisecond})
	waitSent(t, f.session)

	if err := waitDone(t, f.engine); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if snap := f.engine.Snapshot(); snap.State != StateAccepted || snap.Reason != ReasonSilence {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestEngine_UnknownHintWritesPlaceholder(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	f.session.feed(feedback(whisper.ID, 6, "DecodeBlob"))
	err := waitDone(t, f.engine)
	if !errors.Is(err, ErrUnknownHint) {
		t.Fatalf("expected ErrUnknownHint, got %v", err)
	}
	if got := lastLine(t, f.st.Path); got != "\t// Unknown(DecodeBlob) at offset 6" {
		t.Errorf("unexpected placeholder %q", got)
	}

	reloaded, err := f.store.Load(whisper)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Fields) != 0 {
		t.Errorf("placeholder must not load as a field: %+v", reloaded.Fields)
	}
}

func TestEngine_RebindUnbindsPrevious(t *testing.T) {
	first := startEngine(t, Options{})
	waitSent(t, first.session)

	other := protocol.OpCode{ID: 0x1600, Name: "ChatHandshake"}
	st, err := first.store.LoadOrCreate(other)
	if err != nil {
		t.Fatal(err)
	}
	second := startOn(t, first.store, st, first.session, Options{})
	waitSent(t, first.session)

	if err := waitDone(t, first.engine); !errors.Is(err, ErrSessionUnbound) {
		t.Fatalf("expected ErrSessionUnbound, got %v", err)
	}

	second.session.feed(feedback(other.ID, 6, "Decode4"))
	if payload := waitSent(t, second.session); len(payload) != 4 {
		t.Errorf("second engine should own the feedback, got %d bytes", len(payload))
	}
}

func TestEngine_ResumesFromFile(t *testing.T) {
	store := structure.NewStore(t.TempDir())
	st, err := store.LoadOrCreate(whisper)
	if err != nil {
		t.Fatal(err)
	}
	for _, def := range []protocol.FieldDefinition{
		protocol.NewFieldDefinition(protocol.FieldInt, "7"),
		protocol.NewFieldDefinition(protocol.FieldString, "bob"),
	} {
		if err := store.Append(st, def); err != nil {
			t.Fatal(err)
		}
	}

	resumed, err := store.LoadOrCreate(whisper)
	if err != nil {
		t.Fatal(err)
	}
	f := startOn(t, store, resumed, newFakeSession(), Options{})

	initial := waitSent(t, f.session)
	if len(initial) != 4+4 {
		t.Fatalf("expected replayed 8 bytes, got %d", len(initial))
	}
	if string(initial[4:]) != "bob\x00" {
		t.Errorf("unexpected replayed string %q", initial[4:])
	}

	f.session.feed(feedback(whisper.ID, len(initial)+protocol.HeaderLength, "Decode2"))
	if payload := waitSent(t, f.session); len(payload) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(payload))
	}
}

func TestEngine_SessionClosedAborts(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	close(f.session.closed)
	if err := waitDone(t, f.engine); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestEngine_ResendFailureAborts(t *testing.T) {
	f := startEngine(t, Options{})
	waitSent(t, f.session)

	f.session.failSends(fmt.Errorf("broken pipe"))
	f.session.feed(feedback(whisper.ID, 6, "Decode1"))
	if err := waitDone(t, f.engine); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	// The field was persisted before the send was attempted.
	if got := lastLine(t, f.st.Path); got != "\tw.WriteByte(0);" {
		t.Errorf("unexpected persisted line %q", got)
	}
}

func TestEngine_CancelAborts(t *testing.T) {
	store := structure.NewStore(t.TempDir())
	st, err := store.LoadOrCreate(whisper)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(st, store, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := newFakeSession()
	if err := eng.Start(ctx, session); err != nil {
		t.Fatal(err)
	}
	waitSent(t, session)
	cancel()

	if err := waitDone(t, eng); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestEngine_StartTwice(t *testing.T) {
	f := startEngine(t, Options{})
	if err := f.engine.Start(context.Background(), f.session); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngine_InitialSendFailure(t *testing.T) {
	store := structure.NewStore(t.TempDir())
	st, err := store.LoadOrCreate(whisper)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(st, store, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	session := newFakeSession()
	session.failSends(errors.New("not connected"))
	if err := eng.Start(context.Background(), session); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if eng.State() != StateAborted {
		t.Errorf("expected aborted, got %s", eng.State())
	}
}

func TestEngine_EmitsLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	var mu sync.Mutex
	var seen []events.EventType
	bus.Subscribe("test", func(ctx context.Context, ev events.Event) error {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		return nil
	}, events.EventResolveStarted, events.EventFieldResolved, events.EventResolveFinished)

	f := startEngine(t, Options{Bus: bus, StopOnNoError: true})
	waitSent(t, f.session)
	f.session.feed(feedback(whisper.ID, 6, "Decode1"))
	waitSent(t, f.session)
	f.session.feed(feedback(whisper.ID, 7, "None"))
	if err := waitDone(t, f.engine); err != nil {
		t.Fatal(err)
	}
	bus.Stop()

	counts := map[events.EventType]int{}
	for _, ev := range seen {
		counts[ev]++
	}
	if counts[events.EventResolveStarted] != 1 || counts[events.EventFieldResolved] != 1 || counts[events.EventResolveFinished] != 1 {
		t.Errorf("unexpected events %v", seen)
	}
}
