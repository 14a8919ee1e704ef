package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/resolver"
	"github.com/energizer-project/structprobe/internal/structure"
)

// syncBuffer is written by resolve completion goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubSession struct {
	closed chan struct{}
}

func (s *stubSession) Send(opcode uint16, payload []byte) error               { return nil }
func (s *stubSession) SetErrorHandler(onError func(string), onUnbind func()) {}
func (s *stubSession) Closed() <-chan struct{}                                { return s.closed }

func newTestCLI(t *testing.T) (*CLI, *resolver.Manager, *events.EventBus, *syncBuffer) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config"))
	if err != nil {
		t.Fatal(err)
	}
	registry := protocol.NewOpCodeRegistry(map[uint16]string{0x0081: "ChatWhisper"})
	manager := resolver.NewManager(registry, structure.NewStore(filepath.Join(dir, "structures")), nil,
		resolver.Options{QuietPeriod: 20 * time.Millisecond})
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	out := &syncBuffer{}
	return NewCLI(cfg, bus, manager, strings.NewReader(""), out), manager, bus, out
}

func run(t *testing.T, c *CLI, line string) error {
	t.Helper()
	parts := strings.Fields(line)
	return c.execute(context.Background(), strings.ToLower(parts[0]), parts[1:], line)
}

func TestCLI_ResolveNeedsSession(t *testing.T) {
	c, _, _, _ := newTestCLI(t)
	if err := run(t, c, "resolve 0x81"); !errors.Is(err, resolver.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if err := run(t, c, "resolve"); err == nil {
		t.Error("expected usage error")
	}
}

func TestCLI_BareOpCodeResolves(t *testing.T) {
	c, manager, _, out := newTestCLI(t)
	manager.SetSession(&stubSession{closed: make(chan struct{})})

	if err := run(t, c, "0x81"); err != nil {
		t.Fatal(err)
	}
	eng := manager.Current()
	if eng == nil {
		t.Fatal("expected a running engine")
	}
	if err := eng.Wait(context.Background()); err != nil {
		t.Fatalf("resolve should be accepted on silence: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "accepted") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "Resolving") {
		t.Errorf("missing resolve banner: %s", out.String())
	}
	if !strings.Contains(out.String(), "accepted") {
		t.Errorf("missing completion line: %s", out.String())
	}

	if err := run(t, c, "show 81"); err != nil {
		t.Errorf("show failed: %v", err)
	}
	if err := run(t, c, "list"); err != nil {
		t.Errorf("list failed: %v", err)
	}
	if !strings.Contains(out.String(), "ChatWhisper") {
		t.Errorf("listing should name the structure: %s", out.String())
	}
}

func TestCLI_ShowMissing(t *testing.T) {
	c, _, _, _ := newTestCLI(t)
	if err := run(t, c, "show 0x1600"); !errors.Is(err, structure.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCLI_SetConfig(t *testing.T) {
	c, manager, _, _ := newTestCLI(t)

	if err := run(t, c, "setconfig stop_on_no_error true"); err != nil {
		t.Fatal(err)
	}
	if err := run(t, c, "setconfig quiet_period_ms 40"); err != nil {
		t.Fatal(err)
	}
	opts := manager.Options()
	if !opts.StopOnNoError || opts.QuietPeriod != 40*time.Millisecond {
		t.Errorf("options not applied: %+v", opts)
	}

	if err := run(t, c, "setconfig quiet_period_ms -1"); err == nil {
		t.Error("expected validation error")
	}
	if c.cfg.GetResolver().QuietPeriodMs != 40 {
		t.Error("invalid value must be rolled back")
	}
}

func TestCLI_HistoryDisabled(t *testing.T) {
	c, _, _, _ := newTestCLI(t)
	if err := run(t, c, "history"); err == nil {
		t.Error("expected error with history disabled")
	}
}

func TestCLI_QuitEmitsShutdown(t *testing.T) {
	c, _, bus, _ := newTestCLI(t)

	got := make(chan struct{}, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		got <- struct{}{}
		return nil
	}, events.EventShutdown)

	if err := run(t, c, "quit"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown event not emitted")
	}
}

func TestCLI_StartEndsOnEOF(t *testing.T) {
	c, _, _, out := newTestCLI(t)
	c.in = strings.NewReader("help\nnonsense\n")

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should return at end of input")
	}
	if !strings.Contains(out.String(), "Commands:") || !strings.Contains(out.String(), "Unknown command") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRenderStructure_Offsets(t *testing.T) {
	st := &structure.Structure{
		OpCode: protocol.OpCode{ID: 0x0081, Name: "ChatWhisper"},
		Fields: []protocol.FieldDefinition{
			protocol.NewFieldDefinition(protocol.FieldShort, ""),
			protocol.NewFieldDefinition(protocol.FieldInt, ""),
		},
	}
	var buf bytes.Buffer
	RenderStructure(&buf, st)

	// Second field starts after the header and the Short.
	if !strings.Contains(buf.String(), "| 8 ") {
		t.Errorf("expected offset 8 in table:\n%s", buf.String())
	}
}

func TestRenderOutcome_UsesSessionFile(t *testing.T) {
	store := structure.NewStore(t.TempDir())

	// An older file for the same id under a different name.
	stale := protocol.OpCode{ID: 0x0081, Name: "OldWhisper"}
	old, err := store.LoadOrCreate(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(old, protocol.NewFieldDefinition(protocol.FieldLong, "")); err != nil {
		t.Fatal(err)
	}

	op := protocol.OpCode{ID: 0x0081, Name: "ChatWhisper"}
	st, err := store.LoadOrCreate(op)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(st, protocol.NewFieldDefinition(protocol.FieldShort, "")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	RenderOutcome(&buf, store, resolver.Snapshot{
		OpCode: op, State: resolver.StateAccepted, Path: st.Path, Fields: 1, BufferLen: 2, Sends: 2,
	})

	out := buf.String()
	if !strings.Contains(out, st.Path) || !strings.Contains(out, "Short") {
		t.Errorf("expected the session's own file:\n%s", out)
	}
	if strings.Contains(out, "OldWhisper") || strings.Contains(out, "Long") {
		t.Errorf("rendered the stale file:\n%s", out)
	}
	if !strings.Contains(out, "accepted: 1 fields, 2 bytes, 2 sends") {
		t.Errorf("missing summary line:\n%s", out)
	}
}
