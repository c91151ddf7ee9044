// Command history-export writes the history ledger of one document to the
// configured archive store and prints the stored object as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"docledger/internal/archive"
	"docledger/internal/config"
	"docledger/internal/core"
	"docledger/internal/export"
	"docledger/internal/logging"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history-export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	origin := fs.String("origin", "", "document id whose history is exported")
	formatFlag := fs.String("format", "json", "json, csv or xlsx")
	columns := fs.String("columns", "", "comma separated content fields for csv/xlsx")
	list := fs.Bool("list", false, "list existing exports instead of writing one")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*origin) == "" {
		fmt.Fprintln(stderr, "history-export: -origin is required")
		return 2
	}
	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		fmt.Fprintf(stderr, "history-export: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "history-export: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.Log, stderr)

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, logger)
	if err != nil {
		fmt.Fprintf(stderr, "history-export: open storage: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	arch, err := archive.Open(ctx, cfg.Blob)
	if err != nil {
		fmt.Fprintf(stderr, "history-export: open archive: %v\n", err)
		return 1
	}
	exp := export.New(core.NewService(store, core.WithLogger(logger)).History(), arch, nil)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if *list {
		objs, err := exp.List(ctx, *origin)
		if err != nil {
			fmt.Fprintf(stderr, "history-export: %v\n", err)
			return 1
		}
		_ = enc.Encode(objs)
		return 0
	}
	obj, err := exp.Export(ctx, export.Request{OriginID: *origin, Format: format, Columns: splitColumns(*columns)})
	if err != nil {
		fmt.Fprintf(stderr, "history-export: %v\n", err)
		return 1
	}
	_ = enc.Encode(obj)
	return 0
}

func splitColumns(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
