package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/texmend/texmend/cache"
	"github.com/texmend/texmend/observability"
	"github.com/texmend/texmend/pipeline"
	"github.com/texmend/texmend/semantic"
)

type options struct {
	formula      string
	collaborator string
	cachePath    string
	timeout      time.Duration
	batch        bool
	pretty       bool
	verbose      bool
	limit        int
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "texmend: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "texmend: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: texmend [flags] [formula]\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With no formula argument, input is read from stdin.\n")
		flag.PrintDefaults()
	}
	collaborator := flag.String("collaborator", "", "HTTP endpoint of the semantic repair collaborator")
	cachePath := flag.String("cache", "", "Path to the sqlite outcome cache (empty disables caching)")
	timeout := flag.Duration("timeout", 20*time.Second, "Per-call collaborator timeout")
	batch := flag.Bool("batch", false, "Treat each input line as a separate formula")
	pretty := flag.Bool("pretty", false, "Indent the outcome JSON")
	verbose := flag.Bool("v", false, "Log pipeline stages to stderr")
	limit := flag.Int("parallel", 8, "Concurrent formulas in batch mode")
	flag.Parse()

	if flag.NArg() > 1 {
		flag.Usage()
		return options{}, fmt.Errorf("at most one formula argument")
	}
	opts.formula = flag.Arg(0)
	opts.collaborator = *collaborator
	opts.cachePath = *cachePath
	opts.timeout = *timeout
	opts.batch = *batch
	opts.pretty = *pretty
	opts.verbose = *verbose
	opts.limit = *limit
	if opts.batch && opts.formula != "" {
		return options{}, fmt.Errorf("-batch reads from stdin, drop the formula argument")
	}
	return opts, nil
}

func run(opts options) error {
	var popts []pipeline.Option
	if opts.verbose {
		popts = append(popts, pipeline.WithLogger(stderrLogger{}))
	}
	if opts.collaborator != "" {
		popts = append(popts, pipeline.WithSemanticRepairer(
			semantic.NewHTTPRepairer(opts.collaborator, semantic.WithTimeout(opts.timeout)),
		))
	}
	if opts.cachePath != "" {
		store, err := cache.OpenSQLite(opts.cachePath)
		if err != nil {
			return err
		}
		defer store.Close()
		popts = append(popts, pipeline.WithCache(store))
	}
	popts = append(popts, pipeline.WithBatchLimit(opts.limit))

	p := pipeline.New(popts...)
	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}

	if opts.batch {
		formulas, err := readLines(os.Stdin)
		if err != nil {
			return err
		}
		for _, out := range p.ProcessBatch(ctx, formulas) {
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
		return nil
	}

	input := opts.formula
	if input == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(raw)
	}
	return enc.Encode(p.Process(ctx, pipeline.RawFormula{Input: input}))
}

func readLines(r io.Reader) ([]pipeline.RawFormula, error) {
	var formulas []pipeline.RawFormula
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		formulas = append(formulas, pipeline.RawFormula{Input: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return formulas, nil
}

// stderrLogger is the CLI's Logger implementation.
type stderrLogger struct {
	fields []observability.Field
}

func (l stderrLogger) emit(level, msg string, fields []observability.Field) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", level, msg)
	for _, f := range append(l.fields, fields...) {
		fmt.Fprintf(&b, " %s=%v", f.Key(), f.Value())
	}
	fmt.Fprintln(os.Stderr, b.String())
}

func (l stderrLogger) Debug(msg string, fields ...observability.Field) { l.emit("DEBUG", msg, fields) }
func (l stderrLogger) Info(msg string, fields ...observability.Field)  { l.emit("INFO", msg, fields) }
func (l stderrLogger) Warn(msg string, fields ...observability.Field)  { l.emit("WARN", msg, fields) }
func (l stderrLogger) Error(msg string, fields ...observability.Field) { l.emit("ERROR", msg, fields) }
func (l stderrLogger) With(fields ...observability.Field) observability.Logger {
	return stderrLogger{fields: append(l.fields, fields...)}
}
