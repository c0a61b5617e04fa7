// Command chatflow previews, tests and serves conversational flows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
)

const usage = `chatflow - conversational flow runner

Usage:
  chatflow run [-clock real|mock] [-channel name] [-vars json] [-http] <flow>
  chatflow simulate [-script file] [-vars json] [-max-steps n] [<flow>]
  chatflow validate [-json] [-strict] <flow>...
  chatflow diagram [-format mermaid|ascii|dot|png|svg] [-o file] <flow>
  chatflow serve [-listen-addr addr] [-db-path path]
  chatflow mcp [-record]
  chatflow install [flags]
  chatflow version

A flow argument of "-" reads the flow from stdin.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := dispatch(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func dispatch(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runChat(ctx, rest, in, out)
	case "simulate":
		return runSimulate(ctx, rest, in, out)
	case "validate":
		return runValidate(rest, out)
	case "diagram":
		return runDiagram(ctx, rest, in, out)
	case "serve":
		return runServe(ctx, rest)
	case "mcp":
		return runMCP(ctx, rest)
	case "install":
		return runInstall(ctx, rest)
	case "version":
		printVersion()
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

var errUsage = errors.New("see chatflow help")

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}
