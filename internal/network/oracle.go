package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/resolver"
)

const (
	// oracleIdleTimeout closes oracle connections that stay silent.
	oracleIdleTimeout = 5 * time.Minute

	diagnosticPrefix = "CPacket::Decode failed "
)

// Layout is the true field sequence of one opcode, known to the oracle.
type Layout struct {
	OpCode uint16
	Name   string
	Fields []protocol.FieldType
}

type layoutFile struct {
	Layouts []struct {
		OpCode string   `yaml:"opcode"`
		Name   string   `yaml:"name"`
		Fields []string `yaml:"fields"`
	} `yaml:"layouts"`
}

// LoadLayouts reads oracle layouts from a YAML file:
//
//	layouts:
//	  - opcode: "0x0081"
//	    name: ChatWhisper
//	    fields: [Short, Int, String]
func LoadLayouts(path string) ([]Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layouts %s: %w", path, err)
	}
	layouts, err := ParseLayouts(data)
	if err != nil {
		return nil, fmt.Errorf("layouts %s: %w", path, err)
	}
	return layouts, nil
}

// ParseLayouts decodes the YAML layout document.
func ParseLayouts(data []byte) ([]Layout, error) {
	var file layoutFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	layouts := make([]Layout, 0, len(file.Layouts))
	for i, l := range file.Layouts {
		id, err := protocol.ParseOpCode(l.OpCode)
		if err != nil {
			return nil, fmt.Errorf("layout %d: %w", i, err)
		}
		layout := Layout{OpCode: id, Name: l.Name}
		for _, token := range l.Fields {
			ft, ok := protocol.FieldTypeFromToken(token)
			if !ok {
				return nil, fmt.Errorf("layout %d: unknown field type %q", i, token)
			}
			layout.Fields = append(layout.Fields, ft)
		}
		layouts = append(layouts, layout)
	}
	return layouts, nil
}

// Oracle is a reference peer. It knows the real layout of some opcodes and
// answers every probe with the diagnostic a strict decoder would produce:
// the offset and hint of the first field that does not fit, or a no-error
// hint once the payload decodes completely.
type Oracle struct {
	layouts map[uint16]Layout
	hints   *protocol.HintTable
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	active   int
}

// NewOracle creates an oracle. Every field type used by a layout must have
// a hint in hints, otherwise the oracle could not describe it.
func NewOracle(layouts []Layout, hints *protocol.HintTable) (*Oracle, error) {
	if hints == nil {
		hints = protocol.DefaultHintTable()
	}
	o := &Oracle{
		layouts: make(map[uint16]Layout, len(layouts)),
		hints:   hints,
		logger:  log.With().Str("component", "oracle").Logger(),
	}
	for _, l := range layouts {
		for _, ft := range l.Fields {
			if _, ok := hints.HintFor(ft); !ok {
				return nil, fmt.Errorf("layout 0x%04X: no hint for field type %s", l.OpCode, ft)
			}
		}
		o.layouts[l.OpCode] = l
	}
	return o, nil
}

// Diagnose returns the diagnostic text for a probe, and false when the
// opcode has no known layout.
func (o *Oracle) Diagnose(opcode uint16, payload []byte) (string, bool) {
	layout, ok := o.layouts[opcode]
	if !ok {
		return "", false
	}

	offset := 0
	for _, ft := range layout.Fields {
		n, err := protocol.MeasureField(ft, payload[offset:])
		if err != nil {
			hint, _ := o.hints.HintFor(ft)
			return o.format(opcode, offset, hint), true
		}
		offset += n
	}
	return o.format(opcode, offset, "None"), true
}

func (o *Oracle) format(opcode uint16, offset int, hint string) string {
	return diagnosticPrefix + resolver.FormatFeedback(resolver.FeedbackEvent{
		OpCode: opcode,
		Offset: offset + protocol.HeaderLength,
		Hint:   hint,
	})
}

// Listen binds the oracle to addr. Use port 0 to pick a free port and
// Addr to read it back.
func (o *Oracle) Listen(ctx context.Context, addr string) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start oracle on %s: %w", addr, err)
	}

	o.mu.Lock()
	o.listener = ln
	o.mu.Unlock()

	o.logger.Info().Str("addr", ln.Addr().String()).Int("layouts", len(o.layouts)).Msg("oracle listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (o *Oracle) Addr() net.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

// Serve accepts connections until ctx ends.
func (o *Oracle) Serve(ctx context.Context) error {
	o.mu.Lock()
	ln := o.listener
	o.mu.Unlock()
	if ln == nil {
		return errors.New("oracle is not listening")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				o.logger.Info().Msg("oracle stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			o.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		o.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new probe connection")
		go o.handleConnection(ctx, conn)
	}
}

// ActiveConnections returns the number of probe connections whose
// handlers have not fully exited.
func (o *Oracle) ActiveConnections() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Oracle) handleConnection(ctx context.Context, conn net.Conn) {
	o.mu.Lock()
	o.active++
	o.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	logger := o.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	go func() {
		defer func() {
			o.mu.Lock()
			o.active--
			o.mu.Unlock()
		}()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(oracleIdleTimeout))
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("probe connection ended")
			}
			return
		}

		text, ok := o.Diagnose(frame.OpCode, frame.Payload)
		if !ok {
			logger.Trace().Str("opcode", fmt.Sprintf("0x%04X", frame.OpCode)).Msg("no layout, ignoring frame")
			continue
		}

		logger.Debug().Str("diagnostic", text).Msg("answering probe")
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteFrame(conn, protocol.PktDiagnostic, protocol.BuildDiagnostic(text)); err != nil {
			logger.Warn().Err(err).Msg("failed to send diagnostic")
			return
		}
	}
}
