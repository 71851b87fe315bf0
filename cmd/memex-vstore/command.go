package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one subcommand of memex-vstore.
type command struct {
	name    string
	summary string
	usage   string

	// flags returns a fresh flag set; nil means the command takes none.
	flags func() *pflag.FlagSet
	run   func(env *environment, args []string) error
}

// usageError reports bad invocation; it exits with status 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }
func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// exitError attaches an exit status to err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func (c *command) execute(env *environment, args []string) error {
	if c.flags != nil {
		fs := c.flags()
		fs.SetOutput(io.Discard)
		if err := fs.Parse(args); err != nil {
			if err == pflag.ErrHelp {
				c.printHelp(env.stdout)
				return nil
			}
			return usagef("%v\n\nRun 'memex-vstore %s --help' for usage.", err, c.name)
		}
		args = fs.Args()
	} else if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(env.stdout)
		return nil
	}
	return c.run(env, args)
}

func (c *command) printHelp(w io.Writer) {
	fmt.Fprintf(w, "%s\n\nUsage:\n  memex-vstore %s\n", c.summary, c.usage)
	if c.flags != nil {
		var help strings.Builder
		fs := c.flags()
		fs.SetOutput(&help)
		fs.PrintDefaults()
		if help.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", help.String())
		}
	}
}

func printCommands(w io.Writer, commands []*command) {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
