// memex-vstore manages a versioned object store: initialize a repository,
// export it to a bundle, import a bundle, erase it, or mount a read-only
// view of it.
//
// The storage backend is chosen by the YAML file named by --config or
// MEMEX_VSTORE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/systemshift/memex-vstore/internal/config"
	"github.com/systemshift/memex-vstore/internal/stores"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memex-vstore: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// environment is what every command runs with.
type environment struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
}

func (env *environment) open() (*stores.Handle, error) {
	return stores.Open(env.ctx, env.cfg, nil, env.logger)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		configPath string
		logLevel   string
		logFormat  string
		showVer    bool
	)
	global := pflag.NewFlagSet("memex-vstore", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	global.StringVar(&configPath, "config", "", "configuration file (default: $"+config.EnvVar+")")
	global.StringVar(&logLevel, "log-level", "", "override log.level: debug, info, warn or error")
	global.StringVar(&logFormat, "log-format", "", "override log.format: text or json")
	global.BoolVar(&showVer, "version", false, "print the version and exit")

	commands := allCommands()
	if err := global.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printUsage(stdout, global, commands)
			return nil
		}
		return usagef("%v", err)
	}
	if showVer {
		fmt.Fprintf(stdout, "memex-vstore %s\n", version)
		return nil
	}
	args = global.Args()
	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage(stdout, global, commands)
		if len(args) == 0 {
			return usagef("command required")
		}
		return nil
	}

	var cmd *command
	for _, c := range commands {
		if c.name == args[0] {
			cmd = c
		}
	}
	if cmd == nil {
		return usagef("unknown command %q\n\nRun 'memex-vstore --help' for usage.", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return usagef("%v", err)
	}

	env := &environment{
		ctx:    ctx,
		cfg:    cfg,
		logger: cfg.Log.NewLogger(stderr),
		stdout: stdout,
	}
	return cmd.execute(env, args[1:])
}

func printUsage(w io.Writer, global *pflag.FlagSet, commands []*command) {
	fmt.Fprintf(w, "Usage:\n  memex-vstore [global flags] <command> [flags]\n\nCommands:\n")
	printCommands(w, commands)
	fmt.Fprintf(w, "\nGlobal flags:\n")
	global.SetOutput(w)
	global.PrintDefaults()
	global.SetOutput(io.Discard)
	fmt.Fprintf(w, "\nRun 'memex-vstore <command> --help' for more information on a command.\n")
}
