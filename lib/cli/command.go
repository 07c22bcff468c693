// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is one node of the tracestore command tree. A node either
// groups Subcommands or runs an action, or both when Run accepts the
// arguments that name no subcommand.
type Command struct {
	Name    string
	Summary string

	// Description replaces Summary at the top of the command's own help.
	Description string

	// Usage is the usage line, such as "tracestore tree <trace-id>".
	// Empty synthesizes one from the command path.
	Usage string

	Examples []Example

	// Flags builds the command's flag set. It runs on every parse and
	// every help render, so each call must return a fresh set bound to
	// the command's variables. Nil accepts no flags.
	Flags func() *pflag.FlagSet

	// Args validates the positional arguments left after flag parsing.
	// Nil accepts any number.
	Args Validator

	Subcommands []*Command
	Run         func(args []string) error

	// HelpOutput receives help text, inherited by subcommands. Nil
	// writes to stderr.
	HelpOutput io.Writer

	parent *Command
}

// Example is one example invocation listed in help.
type Example struct {
	Description string
	Command     string
}

// Validator checks a command's positional arguments.
type Validator func(args []string) error

// ExactArgs accepts exactly n positional arguments.
func ExactArgs(n int) Validator {
	return RangeArgs(n, n)
}

// RangeArgs accepts between least and most positional arguments.
func RangeArgs(least, most int) Validator {
	return func(args []string) error {
		if len(args) < least || len(args) > most {
			return errArgCount
		}
		return nil
	}
}

var errArgCount = errors.New("wrong number of arguments")

// UsageError is a command line mistake. Its message points the user at
// the help of the command that rejected the input.
type UsageError struct {
	Command string
	Problem string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s\n\nRun '%s --help' for usage.", e.Problem, e.Command)
}

// Execute resolves args against the command tree and runs the selected
// command.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.helpOutput())
		return nil
	}

	if len(c.Subcommands) > 0 {
		if sub, rest, err := c.dispatch(args); sub != nil || err != nil {
			if err != nil {
				return err
			}
			return sub.Execute(rest)
		}
	}

	args, helped, err := c.parseFlags(args)
	if err != nil || helped {
		return err
	}

	if c.Run == nil {
		c.PrintHelp(c.helpOutput())
		return fmt.Errorf("no action defined for %q", c.path())
	}
	if c.Args != nil {
		if err := c.Args(args); err != nil {
			return c.usageError(c.usageProblem(err))
		}
	}
	return c.Run(args)
}

// dispatch returns the subcommand named by args[0] and the arguments
// for it. A nil command with a nil error means this command handles
// args itself.
func (c *Command) dispatch(args []string) (*Command, []string, error) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub, args[1:], nil
			}
		}
		if c.Run == nil {
			problem := fmt.Sprintf("unknown command %q", args[0])
			if suggestion := suggestCommand(args[0], c.Subcommands); suggestion != "" {
				problem += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			return nil, nil, c.usageError(problem)
		}
		return nil, nil, nil
	}
	if c.Run != nil {
		return nil, nil, nil
	}

	c.PrintHelp(c.helpOutput())
	if len(args) == 0 {
		return nil, nil, errors.New("subcommand required")
	}
	return nil, nil, fmt.Errorf("subcommand required (got flag %q)", args[0])
}

// parseFlags returns the positional arguments. helped is true when the
// user asked for help and it has been printed.
func (c *Command) parseFlags(args []string) (positional []string, helped bool, err error) {
	if c.Flags == nil {
		return args, false, nil
	}
	flagSet := c.Flags()
	flagSet.SetOutput(io.Discard)
	err = flagSet.Parse(args)
	switch {
	case err == nil:
		return flagSet.Args(), false, nil
	case errors.Is(err, pflag.ErrHelp):
		c.PrintHelp(c.helpOutput())
		return nil, true, nil
	}

	problem := err.Error()
	if strings.Contains(problem, "unknown flag") || strings.Contains(problem, "unknown shorthand") {
		if suggestion := suggestFlag(args, c.Flags()); suggestion != "" {
			problem += fmt.Sprintf(" (did you mean %s?)", suggestion)
		}
	}
	return nil, false, c.usageError(problem)
}

func (c *Command) usageProblem(err error) string {
	if errors.Is(err, errArgCount) {
		return "usage: " + strings.TrimSuffix(c.usageLine(), " [flags]")
	}
	return err.Error()
}

func (c *Command) usageError(problem string) error {
	return &UsageError{Command: c.path(), Problem: problem}
}

func (c *Command) helpOutput() io.Writer {
	for command := c; command != nil; command = command.parent {
		if command.HelpOutput != nil {
			return command.HelpOutput
		}
	}
	return os.Stderr
}

func (c *Command) usageLine() string {
	switch {
	case c.Usage != "":
		return c.Usage
	case len(c.Subcommands) > 0:
		return c.path() + " <command> [flags]"
	default:
		return c.path() + " [flags]"
	}
}

// PrintHelp writes the command's help to w.
func (c *Command) PrintHelp(w io.Writer) {
	if lead := c.Description; lead != "" {
		fmt.Fprintf(w, "%s\n\n", lead)
	} else if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", c.usageLine())

	if len(c.Subcommands) > 0 {
		fmt.Fprint(w, "\nCommands:\n")
		table := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if usage := c.Flags().FlagUsages(); usage != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", usage)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprint(w, "\nExamples:\n")
		for i, example := range c.Examples {
			if example.Description != "" {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", c.path())
	}
}

// path is the command's name prefixed by its ancestors', as typed.
func (c *Command) path() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.path() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}
