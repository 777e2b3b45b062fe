package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

// stdin is read by commands given "-" as input.
var stdin io.Reader = os.Stdin

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return gate.ExitInputInvalid
	}

	switch args[1] {
	case "exec":
		return runExecCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "schema":
		return runSchemaCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "magicrune %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return gate.ExitInternal
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sMagicRune %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sRun untrusted code once. Grade what it did.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  magicrune <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "EXECUTION")
	printCommand(w, "exec", "Execute one request (-f <request.json|->, --policy, --timeout, --strict)")
	printCommand(w, "publish", "Publish a request to JetStream and wait for the reply")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the JetStream gateway and the HTTP endpoint")

	printSection(w, "UTILITIES")
	printCommand(w, "policy", "Validate policy documents (lint <file>...)")
	printCommand(w, "schema", "Print the request or result JSON schema")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")

	printSection(w, "EXIT STATUS")
	fmt.Fprintln(w, "  0 green, 10 yellow, 20 red")
	fmt.Fprintln(w, "  1 input invalid, 2 output invalid, 3 policy violation, 4 internal")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func runSchemaCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: magicrune schema <request|result>")
		return gate.ExitInputInvalid
	}
	switch args[0] {
	case "request":
		_, _ = stdout.Write(spell.RequestSchema())
	case "result":
		_, _ = stdout.Write(spell.ResultSchema())
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown schema: %s\n", args[0])
		return gate.ExitInputInvalid
	}
	return 0
}
