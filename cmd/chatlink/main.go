// Package main provides the chatlink command line: send a file through a
// chat server, run an in-process relay, or exercise both ends locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/opd-ai/chatlink/config"
	"github.com/spf13/pflag"
)

// command is one subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{name: "send", summary: "upload a file to a conversation", run: runSend},
	{name: "relay", summary: "serve the websocket relay", run: runRelay},
	{name: "loopback", summary: "transfer a file and place a call between two local clients", run: runLoopback},
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", os.Getenv("CHATLINK_CONFIG"), "path to YAML configuration")
	fs.StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	fs.StringVar(&c.logFormat, "log-format", "", "log format override (text, json)")
}

// load reads the configuration, applies overrides and sets up logging.
func (c *commonFlags) load() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	if err := cfg.Logging.Apply(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: chatlink <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run 'chatlink <command> --help' for the flags of a command.")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}

	for _, cmd := range commands {
		if cmd.name == args[0] {
			err := cmd.run(ctx, args[1:], out)
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return err
		}
	}

	printUsage(out)
	return fmt.Errorf("unknown command %q", args[0])
}

// newFlagSet creates a flag set that prints its defaults to out on --help.
func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: chatlink %s [flags]\n\n", name)
		fmt.Fprint(out, strings.TrimRight(fs.FlagUsages(), "\n")+"\n")
	}
	return fs
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatlink: %v\n", err)
		os.Exit(1)
	}
}
