package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/structure"
)

// maxRecent bounds the finished snapshots kept in memory. Older sessions
// live in the history database.
const maxRecent = 32

// Manager starts engines on the current peer session. Starting a new
// resolve displaces the running one through the session's handler slot.
type Manager struct {
	registry *protocol.OpCodeRegistry
	store    *structure.Store
	hints    *protocol.HintTable
	opts     Options
	logger   zerolog.Logger

	mu      sync.RWMutex
	session Session
	current *Engine
	recent  []Snapshot
}

// NewManager creates a Manager. Nil registry or hints select the defaults.
func NewManager(registry *protocol.OpCodeRegistry, store *structure.Store, hints *protocol.HintTable, opts Options) *Manager {
	if registry == nil {
		registry = protocol.DefaultOpCodeRegistry()
	}
	if hints == nil {
		hints = protocol.DefaultHintTable()
	}
	return &Manager{
		registry: registry,
		store:    store,
		hints:    hints,
		opts:     opts,
		logger:   log.With().Str("component", "resolver_manager").Logger(),
	}
}

// SetSession replaces the peer session used by later resolves.
func (m *Manager) SetSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// Session returns the current peer session, or nil.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Options returns the options later engines start with.
func (m *Manager) Options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// UpdateOptions changes the options for later engines. A running engine
// keeps the options it started with.
func (m *Manager) UpdateOptions(fn func(*Options)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.opts)
}

// Registry returns the opcode name registry.
func (m *Manager) Registry() *protocol.OpCodeRegistry {
	return m.registry
}

// Store returns the structure store.
func (m *Manager) Store() *structure.Store {
	return m.store
}

// Resolve parses command, loads or creates the opcode's structure and
// starts an engine on the current session. ctx bounds the whole resolve,
// not just this call.
func (m *Manager) Resolve(ctx context.Context, command string) (*Engine, error) {
	op, err := m.registry.Resolve(command)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	session := m.session
	opts := m.opts
	m.mu.RUnlock()
	if session == nil {
		return nil, ErrNoSession
	}

	st, err := m.store.LoadOrCreate(op)
	if err != nil {
		return nil, fmt.Errorf("failed to load structure for %s: %w", op, err)
	}

	eng, err := NewEngine(st, m.store, m.hints, opts)
	if err != nil {
		return nil, err
	}
	eng.onFinish = m.remember

	m.mu.Lock()
	m.current = eng
	m.mu.Unlock()

	if err := eng.Start(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info().Str("opcode", op.String()).Str("session", eng.ID()).Msg("resolve requested")
	return eng, nil
}

func (m *Manager) remember(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, snap)
	if len(m.recent) > maxRecent {
		m.recent = m.recent[len(m.recent)-maxRecent:]
	}
}

// Current returns the most recently started engine, or nil.
func (m *Manager) Current() *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshots returns finished sessions, oldest first, followed by the
// current one until it has been recorded as finished. A session is in the
// finished list by the time its Done channel closes.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, len(m.recent), len(m.recent)+1)
	copy(out, m.recent)
	current := m.current
	m.mu.RUnlock()

	if current == nil {
		return out
	}
	for _, s := range out {
		if s.ID == current.ID() {
			return out
		}
	}
	return append(out, current.Snapshot())
}
