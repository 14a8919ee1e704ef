// Package network implements the peer transport: a framed TCP session the
// resolver sends probes through, a reconnecting connector that keeps one
// session alive, and the oracle peer that answers probes against a known
// layout.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/protocol"
)

const (
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by Send after the session closed.
var ErrClosed = errors.New("session is closed")

// Session wraps one TCP connection to the peer. Frames are written under a
// mutex; diagnostics read by Run are handed to the single bound handler.
type Session struct {
	conn   net.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	onError      func(string)
	onUnbind     func()
	lastActivity time.Time

	connectedAt time.Time
	closed      chan struct{}
	closeOnce   sync.Once
}

// Dial connects to the peer at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Session, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer at %s: %w", addr, err)
	}
	return NewSession(conn), nil
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn) *Session {
	now := time.Now()
	remote := "pipe"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		conn:         conn,
		logger:       log.With().Str("component", "session").Str("remote", remote).Logger(),
		lastActivity: now,
		connectedAt:  now,
		closed:       make(chan struct{}),
	}
}

// Send writes one frame. The payload is copied into the frame before
// returning.
func (s *Session) Send(opcode uint16, payload []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(s.conn, opcode, payload); err != nil {
		return err
	}

	s.touch()
	s.logger.Trace().Str("opcode", fmt.Sprintf("0x%04X", opcode)).Int("len", len(payload)).Msg("frame sent")
	return nil
}

// SetErrorHandler binds the diagnostic handler. The previous binding, if
// any, is told through its onUnbind.
func (s *Session) SetErrorHandler(onError func(text string), onUnbind func()) {
	s.mu.Lock()
	prev := s.onUnbind
	s.onError = onError
	s.onUnbind = onUnbind
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Run reads frames until the connection fails, the peer hangs up or ctx
// ends. It always closes the session before returning; a clean hang-up
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	for {
		frame, err := protocol.ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info().Msg("peer closed connection")
				return nil
			}
			s.logger.Error().Err(err).Msg("error reading from peer")
			return err
		}
		s.touch()
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame *protocol.Frame) {
	switch frame.OpCode {
	case protocol.PktDiagnostic:
		text := protocol.ParseDiagnostic(frame.Payload)

		s.mu.Lock()
		handler := s.onError
		s.mu.Unlock()

		if handler == nil {
			s.logger.Debug().Str("text", text).Msg("diagnostic with no handler bound")
			return
		}
		handler(text)

	case protocol.PktChatKeepAlive:
		s.logger.Trace().Msg("keepalive received")

	default:
		s.logger.Debug().
			Str("opcode", fmt.Sprintf("0x%04X", frame.OpCode)).
			Int("len", len(frame.Payload)).
			Msg("ignoring unsolicited frame")
	}
}

// KeepAlive sends an empty keepalive frame every interval until the
// session closes or ctx ends.
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.Send(protocol.PktChatKeepAlive, nil); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send keepalive")
				return
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
		s.logger.Info().Msg("session closed")
	})
	return err
}

// Closed is closed once the session is closed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// LastActivity returns the time of the last frame read or written.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}
