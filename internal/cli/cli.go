// Package cli implements the modelswarm command line: download, seed,
// status and stop.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"modelswarm/internal/app"
)

// Env is what a command runs against.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Config app.Config
	Logger *slog.Logger
}

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, env Env) error
}

var commands = []command{
	{"download", "download a repository snapshot, swarm first, then seed it", runDownload},
	{"seed", "publish a cached snapshot and seed it until interrupted", runSeed},
	{"status", "show the daemon's sessions", runStatus},
	{"stop", "stop one daemon session, or all of them", runStop},
}

// Run executes args and returns the process exit code.
func Run(ctx context.Context, args []string, env Env) int {
	if env.Logger == nil {
		env.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(env.Stderr)
		return 0
	}
	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(ctx, args[1:], env)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errUsage):
			return 1
		default:
			fmt.Fprintf(env.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(env.Stderr, "unknown command: %s\n", args[0])
	printUsage(env.Stderr)
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: modelswarm <command> [args]")
	fmt.Fprintln(w, "commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.summary)
	}
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func newFlagSet(name string, env Env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	return fs
}

// parseInterspersed lets positional arguments appear before, between or
// after flags.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func usageError(w io.Writer, format string, args ...any) error {
	fmt.Fprintf(w, "Error: "+format+"\n", args...)
	return errUsage
}

func humanBytes(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	value := float64(size) / float64(div)
	return fmt.Sprintf("%.1f %ciB", value, "KMGTPE"[exp])
}
