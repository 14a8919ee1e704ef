package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks the operator through the handful of options that
// matter for a first resolve and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{reader: bufio.NewReader(in), out: out}

	for {
		fmt.Fprintln(out, "structprobe setup")
		fmt.Fprintln(out)

		fmt.Fprintln(out, "-- Peer --")
		cfg.Peer.Address = p.String("Peer address (host:port)", cfg.Peer.Address)
		cfg.Peer.KeepAliveIntervalSec = p.Int("Keepalive interval in seconds (0 disables)", cfg.Peer.KeepAliveIntervalSec)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- Resolver --")
		cfg.Resolver.StructureDir = p.String("Structure directory", cfg.Resolver.StructureDir)
		cfg.Resolver.OpCodeNames = p.String("Opcode names file (YAML, optional)", cfg.Resolver.OpCodeNames)
		cfg.Resolver.QuietPeriodMs = p.Int("Quiet period in milliseconds", cfg.Resolver.QuietPeriodMs)
		cfg.Resolver.StopOnNoError = p.Bool("Stop as soon as the peer reports no error", cfg.Resolver.StopOnNoError)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- Services --")
		cfg.API.Enabled = p.Bool("Enable REST API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Listen = p.String("API listen address", cfg.API.Listen)
		}
		cfg.Database.Enabled = p.Bool("Record resolve history", cfg.Database.Enabled)
		cfg.MQTT.Enabled = p.Bool("Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = p.String("MQTT broker host", cfg.MQTT.BrokerURL)
			cfg.MQTT.Port = p.Int("MQTT broker port", cfg.MQTT.Port)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if p.eof || !p.Bool("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
	eof    bool
}

func (p *prompter) line() string {
	input, err := p.reader.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(input)
}

func (p *prompter) String(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	if input := p.line(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) Int(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.line()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) Bool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.line())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
