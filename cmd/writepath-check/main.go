// Command writepath-check fails when code outside the engine and the store
// backends calls a mutating store method directly. Such a call would commit a
// document write without a history record.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"docledger/internal/validation"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("writepath-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", ".", "module root to scan")
	module := fs.String("module", "docledger", "module path of the scanned tree")
	allow := fs.String("allow", "", "extra comma separated import path prefixes allowed to write")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	policy := validation.DefaultWritePathPolicy(*module)
	for _, prefix := range strings.Split(*allow, ",") {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			policy.AllowedCallers = append(policy.AllowedCallers, prefix)
		}
	}
	patterns := fs.Args()
	violations, err := validation.ValidateWritePaths(*dir, patterns, policy)
	if err != nil {
		fmt.Fprintf(stderr, "writepath-check: %v\n", err)
		return 2
	}
	if len(violations) == 0 {
		fmt.Fprintln(stdout, "writepath-check: ok")
		return 0
	}
	for _, v := range violations {
		fmt.Fprintln(stderr, v.String())
	}
	fmt.Fprintf(stderr, "writepath-check: %d direct store write(s)\n", len(violations))
	return 1
}
