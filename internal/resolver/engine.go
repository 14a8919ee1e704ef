// Package resolver drives the feedback loop that discovers a packet layout:
// send the current buffer, read the peer's diagnostic, append the field it
// was missing, and resend, until the peer stops complaining.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/structure"
)

// Session is the transport an engine sends packets through. Diagnostics
// arrive through the single error handler slot; binding a new handler calls
// the previous handler's onUnbind. Send must not retain payload after it
// returns.
type Session interface {
	Send(opcode uint16, payload []byte) error
	SetErrorHandler(onError func(text string), onUnbind func())
	Closed() <-chan struct{}
}

// State is the lifecycle state of an Engine.
type State int

const (
	StateIdle State = iota
	StateSent
	StateExtending
	StateAccepted
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateSent:      "sent",
	StateExtending: "extending",
	StateAccepted:  "accepted",
	StateAborted:   "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText serializes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateAborted
}

// Finish reasons recorded on the snapshot.
const (
	ReasonSilence      = "silence"
	ReasonAcknowledged = "acknowledged"
	ReasonNoError      = "no_error"
)

// Options tune an Engine.
type Options struct {
	// HeaderLength is added to the buffer length when validating reported
	// offsets. Zero selects protocol.HeaderLength.
	HeaderLength int

	// QuietPeriod accepts the structure once no feedback arrived for this
	// long after the last send. Zero waits until cancelled or closed.
	QuietPeriod time.Duration

	// StopOnNoError accepts as soon as the peer reports a no-error hint for
	// the engine's opcode.
	StopOnNoError bool

	// Bus receives lifecycle events. Optional.
	Bus *events.EventBus
}

// Snapshot is a point-in-time copy of an engine's progress.
type Snapshot struct {
	ID           string          `json:"id"`
	OpCode       protocol.OpCode `json:"opcode"`
	State        State           `json:"state"`
	Path         string          `json:"path"`
	Fields       int             `json:"fields"`
	BufferLen    int             `json:"buffer_len"`
	Sends        int             `json:"sends"`
	Feedbacks    int             `json:"feedbacks"`
	Acknowledged bool            `json:"acknowledged"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Engine resolves the layout of one opcode against one session. The builder
// and structure are owned by the consumer goroutine once Start returns;
// everything readable from other goroutines is mirrored under mu.
type Engine struct {
	id      string
	op      protocol.OpCode
	store   *structure.Store
	st      *structure.Structure
	hints   *protocol.HintTable
	opts    Options
	builder *protocol.PacketBuilder
	logger  zerolog.Logger

	notify     chan struct{}
	unbound    chan struct{}
	unbindOnce sync.Once
	done       chan struct{}

	// onFinish sees the terminal snapshot before done is closed.
	onFinish func(Snapshot)

	mu           sync.Mutex
	queue        []string
	state        State
	err          error
	reason       string
	fields       int
	bufferLen    int
	sends        int
	feedbacks    int
	acknowledged bool
	startedAt    time.Time
	finishedAt   time.Time
	ctx          context.Context
}

// NewEngine replays st into a fresh buffer. It fails only when a persisted
// field cannot be encoded.
func NewEngine(st *structure.Structure, store *structure.Store, hints *protocol.HintTable, opts Options) (*Engine, error) {
	builder, err := protocol.Replay(st.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to replay %s: %w", st.OpCode, err)
	}
	if opts.HeaderLength == 0 {
		opts.HeaderLength = protocol.HeaderLength
	}
	if hints == nil {
		hints = protocol.DefaultHintTable()
	}

	id := uuid.NewString()
	return &Engine{
		id:        id,
		op:        st.OpCode,
		store:     store,
		st:        st,
		hints:     hints,
		opts:      opts,
		builder:   builder,
		logger:    log.With().Str("component", "resolver").Str("session", id).Str("opcode", st.OpCode.String()).Logger(),
		notify:    make(chan struct{}, 1),
		unbound:   make(chan struct{}),
		done:      make(chan struct{}),
		fields:    len(st.Fields),
		bufferLen: builder.Len(),
		ctx:       context.Background(),
	}, nil
}

// ID returns the engine's session identifier.
func (e *Engine) ID() string {
	return e.id
}

// OpCode returns the opcode being resolved.
func (e *Engine) OpCode() protocol.OpCode {
	return e.op
}

// Start binds the engine to session, sends the replayed buffer and starts
// consuming feedback. It returns once the first send completed.
func (e *Engine) Start(ctx context.Context, session Session) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.ctx = ctx
	e.startedAt = time.Now()
	e.mu.Unlock()

	session.SetErrorHandler(e.Deliver, e.unbind)

	if err := session.Send(e.op.ID, e.builder.Build()); err != nil {
		abort := &AbortError{Kind: ErrSessionClosed, Err: err}
		e.finish(StateAborted, "", abort)
		return abort
	}

	e.mu.Lock()
	e.state = StateSent
	e.sends = 1
	e.mu.Unlock()

	e.logger.Info().
		Int("fields", len(e.st.Fields)).
		Int("buffer_len", e.builder.Len()).
		Str("path", e.st.Path).
		Msg("resolve started")

	e.emit(events.EventResolveStarted, events.ResolveStartedPayload{
		SessionID: e.id,
		OpCode:    e.op,
		Path:      e.st.Path,
		Fields:    len(e.st.Fields),
		BufferLen: e.builder.Len(),
	})

	go e.run(ctx, session)
	return nil
}

// Deliver queues diagnostic text for the consumer goroutine. It never
// blocks, so a transport read loop can call it directly.
func (e *Engine) Deliver(text string) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, text)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) unbind() {
	e.unbindOnce.Do(func() { close(e.unbound) })
}

func (e *Engine) drain() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

func (e *Engine) run(ctx context.Context, session Session) {
	var quiet <-chan time.Time
	var timer *time.Timer
	if e.opts.QuietPeriod > 0 {
		timer = time.NewTimer(e.opts.QuietPeriod)
		defer timer.Stop()
		quiet = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			e.finish(StateAborted, "", &AbortError{Kind: ErrCancelled, Err: ctx.Err()})
			return
		case <-e.unbound:
			e.finish(StateAborted, "", &AbortError{Kind: ErrSessionUnbound})
			return
		case <-session.Closed():
			e.finish(StateAborted, "", &AbortError{Kind: ErrSessionClosed})
			return
		case <-quiet:
			e.accept(e.quietReason())
			return
		case <-e.notify:
			for _, text := range e.drain() {
				if e.handle(session, text) {
					return
				}
			}
			if timer != nil {
				timer.Reset(e.opts.QuietPeriod)
			}
		}
	}
}

func (e *Engine) quietReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acknowledged {
		return ReasonAcknowledged
	}
	return ReasonSilence
}

// handle processes one diagnostic and reports whether the engine finished.
func (e *Engine) handle(session Session, text string) bool {
	fb, err := ParseFeedback(text)
	if err != nil {
		e.logger.Warn().Str("text", text).Msg("ignoring malformed feedback")
		e.emit(events.EventFeedbackIgnored, events.FeedbackIgnoredPayload{
			SessionID: e.id, OpCode: e.op, Text: text, Reason: "malformed",
		})
		return false
	}

	e.mu.Lock()
	e.feedbacks++
	e.mu.Unlock()

	logger := e.logger.With().Uint16("type", fb.OpCode).Int("offset", fb.Offset).Str("hint", fb.Hint).Logger()

	if e.hints.IsNoError(fb.Hint) {
		e.mu.Lock()
		e.acknowledged = true
		e.mu.Unlock()
		logger.Debug().Msg("peer reported no error")

		if e.opts.StopOnNoError && fb.OpCode == e.op.ID {
			e.accept(ReasonNoError)
			return true
		}
		return false
	}

	if fb.OpCode != e.op.ID {
		logger.Error().Msg("feedback names another opcode")
		e.finish(StateAborted, "", &AbortError{Kind: ErrUnexpectedOpCode, OpCode: fb.OpCode, Offset: fb.Offset, Hint: fb.Hint})
		return true
	}

	expected := e.builder.Len() + e.opts.HeaderLength
	if fb.Offset != expected {
		logger.Error().Int("expected", expected).Msg("feedback offset disagrees with buffer")
		e.finish(StateAborted, "", &AbortError{Kind: ErrOffsetMismatch, OpCode: fb.OpCode, Offset: fb.Offset, Expected: expected, Hint: fb.Hint})
		return true
	}

	ft, ok := e.hints.Lookup(fb.Hint)
	if !ok {
		abort := &AbortError{Kind: ErrUnknownHint, OpCode: fb.OpCode, Offset: fb.Offset, Expected: expected, Hint: fb.Hint}
		if err := e.store.AppendPlaceholder(e.st, fb.Hint, fb.Offset); err != nil {
			abort.Err = err
		}
		logger.Error().Msg("no field type for hint")
		e.finish(StateAborted, "", abort)
		return true
	}

	def := protocol.NewFieldDefinition(ft, "")
	data, err := protocol.EncodeField(def.Type, def.Value)
	if err != nil {
		e.finish(StateAborted, "", &AbortError{Kind: ErrUnknownHint, OpCode: fb.OpCode, Offset: fb.Offset, Hint: fb.Hint, Err: err})
		return true
	}

	// Persist first: a buffer that is ahead of the file would be lost on
	// the next resume.
	if err := e.store.Append(e.st, def); err != nil {
		logger.Error().Err(err).Msg("failed to persist field")
		e.finish(StateAborted, "", &AbortError{Kind: structure.ErrFileIO, Offset: fb.Offset, Hint: fb.Hint, Err: err})
		return true
	}
	e.builder.WriteBytes(data)

	e.mu.Lock()
	e.state = StateExtending
	e.fields = len(e.st.Fields)
	e.bufferLen = e.builder.Len()
	e.mu.Unlock()

	if err := session.Send(e.op.ID, e.builder.Build()); err != nil {
		logger.Error().Err(err).Msg("failed to resend packet")
		e.finish(StateAborted, "", &AbortError{Kind: ErrSessionClosed, Err: err})
		return true
	}

	e.mu.Lock()
	e.sends++
	e.mu.Unlock()

	logger.Info().
		Str("field", def.Type.String()).
		Int("fields", len(e.st.Fields)).
		Int("buffer_len", e.builder.Len()).
		Msg("field resolved")

	e.emit(events.EventFieldResolved, events.FieldResolvedPayload{
		SessionID: e.id,
		OpCode:    e.op,
		Seq:       len(e.st.Fields),
		Offset:    fb.Offset,
		Hint:      fb.Hint,
		Type:      def.Type,
		Value:     def.Value,
		BufferLen: e.builder.Len(),
	})
	return false
}

func (e *Engine) accept(reason string) {
	e.finish(StateAccepted, reason, nil)
}

func (e *Engine) finish(state State, reason string, err error) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.err = err
	e.reason = reason
	e.queue = nil
	e.finishedAt = time.Now()
	if err != nil {
		var abort *AbortError
		if errors.As(err, &abort) {
			e.reason = abort.Kind.Error()
		} else {
			e.reason = err.Error()
		}
	}
	reason = e.reason
	fields, bufferLen := e.fields, e.bufferLen
	e.mu.Unlock()
	defer close(e.done)

	if e.onFinish != nil {
		e.onFinish(e.Snapshot())
	}

	if err != nil {
		e.logger.Warn().Err(err).Int("fields", fields).Msg("resolve aborted")
	} else {
		e.logger.Info().Str("reason", reason).Int("fields", fields).Int("buffer_len", bufferLen).Msg("resolve accepted")
	}

	e.emit(events.EventResolveFinished, events.ResolveFinishedPayload{
		SessionID: e.id,
		OpCode:    e.op,
		State:     state.String(),
		Reason:    reason,
		Fields:    fields,
		BufferLen: bufferLen,
	})
}

func (e *Engine) emit(t events.EventType, payload interface{}) {
	if e.opts.Bus == nil {
		return
	}
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	e.opts.Bus.Emit(ctx, events.Event{Type: t, Source: "resolver", Payload: payload})
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the engine reaches a terminal state.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the abort error, or nil while running or after acceptance.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the engine finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the engine's progress.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ID:           e.id,
		OpCode:       e.op,
		State:        e.state,
		Path:         e.st.Path,
		Fields:       e.fields,
		BufferLen:    e.bufferLen,
		Sends:        e.sends,
		Feedbacks:    e.feedbacks,
		Acknowledged: e.acknowledged,
		StartedAt:    e.startedAt,
		Reason:       e.reason,
	}
	if e.state.Terminal() {
		t := e.finishedAt
		snap.FinishedAt = &t
	}
	if e.err != nil {
		snap.Error = e.err.Error()
	}
	return snap
}
