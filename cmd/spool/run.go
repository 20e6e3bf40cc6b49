package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/webbmaffian/go-spool/config"
)

type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger
	cfg    config.Config
}

type command struct {
	flags *flag.FlagSet
	usage string
	short string

	// noConfig commands run without loading the config file.
	noConfig bool
	exec     func(ctx context.Context, e *env, args []string) error
}

func (c *command) name() string {
	name, _, _ := strings.Cut(c.usage, " ")
	return name
}

func commands() []*command {
	return []*command{
		initConfigCmd(),
		pushCmd(),
		popCmd(),
		statCmd(),
		seqCmd(),
	}
}

func usage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: spool [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	for _, c := range commands() {
		fmt.Fprintf(w, "  %-22s %s\n", c.usage, c.short)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	global.SetOutput(w)
	global.PrintDefaults()
}

// run returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("spool", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)

	cfgPath := global.StringP("config", "c", "spool.json", "config file")
	verbose := global.BoolP("verbose", "v", false, "log debug messages")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(stdout, global)
			return 0
		}

		fmt.Fprintln(stderr, "error:", err)
		usage(stderr, global)

		return 1
	}

	if global.NArg() == 0 {
		usage(stderr, global)
		return 1
	}

	var cmd *command

	for _, c := range commands() {
		if c.name() == global.Arg(0) {
			cmd = c
		}
	}

	if cmd == nil {
		fmt.Fprintf(stderr, "error: unknown command %q\n", global.Arg(0))
		usage(stderr, global)

		return 1
	}

	cmd.flags.SetOutput(io.Discard)

	if err := cmd.flags.Parse(global.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stdout, "Usage: spool", cmd.usage)
			cmd.flags.SetOutput(stdout)
			cmd.flags.PrintDefaults()

			return 0
		}

		fmt.Fprintln(stderr, "error:", err)

		return 1
	}

	e := &env{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		cfg:    config.Default(),
	}

	if !cmd.noConfig {
		var err error

		if e.cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
	}

	level, _ := e.cfg.Level()

	if *verbose {
		level = slog.LevelDebug
	}

	e.log = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := cmd.exec(ctx, e, cmd.flags.Args()); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	return 0
}
