// Package cli implements the interactive console of the structprobe daemon
// and the table renderers shared with the one-shot commands.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/db"
	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/network"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/resolver"
	"github.com/energizer-project/structprobe/internal/structure"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *resolver.Manager

	history   *db.HistoryDatabase
	connector *network.Connector

	in  io.Reader
	out io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, manager *resolver.Manager, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		in:       in,
		out:      out,
	}
}

// SetDependencies injects the optional components. Either may be nil.
func (c *CLI) SetDependencies(history *db.HistoryDatabase, connector *network.Connector) {
	c.history = history
	c.connector = connector
}

// Start runs the read-eval loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nstructprobe console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "structprobe> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:], line); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// execute runs one command. A line whose first token is an opcode is a
// shorthand for resolve.
func (c *CLI) execute(ctx context.Context, cmd string, args []string, line string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "resolve", "r":
		if len(args) == 0 {
			return fmt.Errorf("usage: resolve <opcode>")
		}
		return c.cmdResolve(ctx, strings.Join(args, " "))
	case "show":
		return c.cmdShow(args)
	case "list", "ls":
		return c.cmdList()
	case "status", "s":
		c.printStatus()
	case "sessions":
		RenderSnapshots(c.out, c.manager.Snapshots())
	case "history":
		return c.cmdHistory(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down structprobe...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		if _, err := protocol.ParseOpCode(cmd); err == nil {
			return c.cmdResolve(ctx, line)
		}
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  resolve <opcode>      Discover the layout of an opcode (or type the opcode alone)
  show <opcode>         Print a stored structure
  list                  List stored structures
  status                Peer link and running resolve
  sessions              Resolves since startup
  history [limit]       Recorded resolves
  setconfig <key> <v>   Update a resolver option
  quit                  Shut down
  help                  Show this help message`)
}

func (c *CLI) cmdResolve(ctx context.Context, command string) error {
	eng, err := c.manager.Resolve(ctx, command)
	if err != nil {
		return err
	}
	snap := eng.Snapshot()
	fmt.Fprintf(c.out, "Resolving %s from %d fields (session %s)\n", snap.OpCode, snap.Fields, snap.ID)

	go func() {
		<-eng.Done()
		snap := eng.Snapshot()
		if snap.State == resolver.StateAborted {
			fmt.Fprintf(c.out, "\n%s aborted after %d fields: %s\n", snap.OpCode, snap.Fields, snap.Error)
			return
		}
		fmt.Fprintf(c.out, "\n%s accepted with %d fields (%s)\n", snap.OpCode, snap.Fields, snap.Reason)
	}()
	return nil
}

func (c *CLI) cmdShow(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: show <opcode>")
	}
	op, err := c.manager.Registry().Resolve(args[0])
	if err != nil {
		return err
	}
	st, err := c.manager.Store().Find(op.ID)
	if err != nil {
		return err
	}
	RenderStructure(c.out, st)
	return nil
}

func (c *CLI) cmdList() error {
	entries, err := c.manager.Store().List()
	if err != nil {
		return err
	}
	RenderEntries(c.out, entries)
	return nil
}

func (c *CLI) printStatus() {
	connected := c.connector != nil && c.connector.IsConnected()
	fmt.Fprintf(c.out, "\n  Peer:        %s\n", c.cfg.Peer.Address)
	fmt.Fprintf(c.out, "  Connected:   %v\n", connected)
	fmt.Fprintf(c.out, "  Structures:  %s\n", c.manager.Store().Dir())

	opts := c.manager.Options()
	fmt.Fprintf(c.out, "  Quiet:       %s\n", opts.QuietPeriod)
	fmt.Fprintf(c.out, "  Stop on ok:  %v\n", opts.StopOnNoError)

	if eng := c.manager.Current(); eng != nil {
		snap := eng.Snapshot()
		fmt.Fprintf(c.out, "  Last:        %s %s, %d fields, %d bytes\n", snap.OpCode, snap.State, snap.Fields, snap.BufferLen)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return errors.New("history is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid limit: %s", args[0])
		}
		limit = n
	}
	sessions, err := c.history.RecentSessions(limit, 0)
	if err != nil {
		return err
	}
	RenderHistory(c.out, sessions)
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	prev := c.cfg.GetResolver()
	if err := c.cfg.UpdateResolverField(key, parseValue(raw)); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetResolver(prev)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	next := c.cfg.GetResolver()
	c.manager.UpdateOptions(func(o *resolver.Options) {
		o.QuietPeriod = next.QuietPeriod()
		o.StopOnNoError = next.StopOnNoError
		o.HeaderLength = next.HeaderLength
	})

	log.Info().Str("key", key).Str("value", raw).Msg("CLI: resolver config updated")
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

// parseValue turns console input into the JSON type the option expects.
func parseValue(raw string) interface{} {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	return tw
}

// RenderStructure prints the fields of st with their encoded offsets.
func RenderStructure(w io.Writer, st *structure.Structure) {
	fmt.Fprintf(w, "\n  %s  %s\n\n", st.OpCode, st.Path)

	tw := newTable(w, []string{"#", "Offset", "Type", "Width", "Value"})
	offset := protocol.HeaderLength
	for i, f := range st.Fields {
		width := f.Type.Width()
		if width == protocol.VariableWidth {
			if data, err := protocol.EncodeField(f.Type, f.Value); err == nil {
				width = len(data)
			}
		}
		tw.Append([]string{
			strconv.Itoa(i + 1),
			strconv.Itoa(offset),
			f.Type.String(),
			strconv.Itoa(width),
			f.Value,
		})
		offset += width
	}
	tw.Render()

	for _, sk := range st.Skipped {
		fmt.Fprintf(w, "  skipped line %d: %q (%s)\n", sk.Line, sk.Text, sk.Err)
	}
	fmt.Fprintln(w)
}

// RenderOutcome prints the structure file a finished resolve wrote,
// followed by a one-line summary. The file is looked up by the session's
// full opcode, so an older file for the same id under another name is
// never shown in its place.
func RenderOutcome(w io.Writer, store *structure.Store, snap resolver.Snapshot) {
	if st, err := store.Load(snap.OpCode); err == nil {
		RenderStructure(w, st)
	} else {
		log.Warn().Err(err).Str("path", snap.Path).Msg("failed to load resolved structure")
	}
	fmt.Fprintf(w, "%s %s: %d fields, %d bytes, %d sends\n",
		snap.OpCode, snap.State, snap.Fields, snap.BufferLen, snap.Sends)
}

// RenderEntries prints a structure directory listing.
func RenderEntries(w io.Writer, entries []structure.Entry) {
	tw := newTable(w, []string{"OpCode", "Name", "Modified", "Path"})
	for _, e := range entries {
		tw.Append([]string{
			fmt.Sprintf("0x%04X", e.ID),
			e.Name,
			e.ModTime.Format(time.DateTime),
			e.Path,
		})
	}
	tw.Render()
}

// RenderSnapshots prints in-memory resolve sessions.
func RenderSnapshots(w io.Writer, snaps []resolver.Snapshot) {
	tw := newTable(w, []string{"Session", "OpCode", "State", "Fields", "Bytes", "Sends", "Reason"})
	for _, s := range snaps {
		reason := s.Reason
		if s.Error != "" {
			reason = s.Error
		}
		tw.Append([]string{
			shortID(s.ID),
			s.OpCode.String(),
			s.State.String(),
			strconv.Itoa(s.Fields),
			strconv.Itoa(s.BufferLen),
			strconv.Itoa(s.Sends),
			reason,
		})
	}
	tw.Render()
}

// RenderHistory prints recorded sessions.
func RenderHistory(w io.Writer, sessions []db.SessionRecord) {
	tw := newTable(w, []string{"Session", "OpCode", "Name", "State", "Fields", "Started", "Reason"})
	for _, s := range sessions {
		tw.Append([]string{
			shortID(s.ID),
			fmt.Sprintf("0x%04X", s.OpCode),
			s.Name,
			s.State,
			fmt.Sprintf("%d -> %d", s.InitialFields, s.Fields),
			s.StartedAt.Local().Format(time.DateTime),
			s.Reason,
		})
	}
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
