package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return runServerCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServerCmd(args[2:], stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "keygen":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: cairnd keygen <oracle|token>")
			return 2
		}
		return runKeygenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServerCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCairn %s%s\n", ColorBold+ColorBlue, "v0.1.0", ColorReset)
	fmt.Fprintf(w, "%sSettlement integrity for DAO treasuries.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  cairnd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCOMMANDS:%s\n", ColorBold, ColorReset)
	printCommand(w, "server", "Run the API server (default)")
	printCommand(w, "worker", "Run the outbox worker loop")
	printCommand(w, "migrate", "Apply database migrations and exit")
	printCommand(w, "keygen oracle", "Derive a per-oracle HMAC key (--oracle-id)")
	printCommand(w, "keygen token", "Issue an operator JWT (--subject, --roles, --ttl)")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sENVIRONMENT:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  DATABASE_DRIVER, DATABASE_URL, JWT_SECRET, ORACLE_MASTER_KEY,")
	fmt.Fprintln(w, "  CHAIN_RPC_URL, REDIS_ADDR, OTLP_ENDPOINT. See --profile for the")
	fmt.Fprintln(w, "  YAML overlay used by fleet deployments.")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-16s%s %s\n", ColorBold, name, ColorReset, desc)
}
