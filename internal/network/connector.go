package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/events"
)

// ConnectorOptions configure a Connector.
type ConnectorOptions struct {
	Addr              string
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration // zero disables keepalives
}

// Connector keeps one peer session alive, reconnecting after the peer
// hangs up. Each new session is handed to OnSession before its read loop
// starts.
type Connector struct {
	opts     ConnectorOptions
	eventBus *events.EventBus
	logger   zerolog.Logger

	// OnSession is called with every newly established session.
	OnSession func(*Session)

	mu      sync.Mutex
	current *Session
}

// NewConnector creates a connector. eventBus may be nil.
func NewConnector(opts ConnectorOptions, eventBus *events.EventBus) *Connector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	return &Connector{
		opts:     opts,
		eventBus: eventBus,
		logger:   log.With().Str("component", "connector").Str("addr", opts.Addr).Logger(),
	}
}

// ManageConnection dials, runs and redials the peer until ctx ends.
func (c *Connector) ManageConnection(ctx context.Context) error {
	c.logger.Info().Msg("starting peer connection manager")

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return nil
		default:
		}

		session, err := Dial(ctx, c.opts.Addr, c.opts.DialTimeout)
		if err != nil {
			c.logger.Error().Err(err).Msg("peer connection failed")
			c.emit(ctx, events.EventSessionDisconnected, err)
			if !sleepCtx(ctx, c.opts.ReconnectDelay) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		c.current = session
		c.mu.Unlock()

		c.logger.Info().Msg("connected to peer")
		c.emit(ctx, events.EventSessionConnected, nil)

		if c.OnSession != nil {
			c.OnSession(session)
		}
		if c.opts.KeepAliveInterval > 0 {
			go session.KeepAlive(ctx, c.opts.KeepAliveInterval)
		}

		// Blocks until disconnected or ctx ends.
		runErr := session.Run(ctx)
		c.emit(ctx, events.EventSessionDisconnected, runErr)

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Msg("disconnected from peer, reconnecting...")
		if !sleepCtx(ctx, c.opts.ReconnectDelay) {
			return nil
		}
	}
}

func (c *Connector) emit(ctx context.Context, t events.EventType, err error) {
	if c.eventBus == nil {
		return
	}
	payload := events.SessionPayload{Addr: c.opts.Addr}
	if err != nil {
		payload.Error = err.Error()
	}
	c.eventBus.Emit(ctx, events.Event{Type: t, Source: "connector", Payload: payload})
}

func (c *Connector) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}

// IsConnected reports whether a session is currently open.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	select {
	case <-c.current.Closed():
		return false
	default:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
