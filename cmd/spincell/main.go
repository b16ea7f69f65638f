// Command spincell runs concurrent workers against one spinlock guarded counter
// and checks the final value.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/go-ricrob/spincell/cell"
	"github.com/go-ricrob/spincell/internal/stress"
)

func parse(args []string) (stress.Config, bool, error) {
	cfg := stress.DefaultConfig()

	fs := flag.NewFlagSet("spincell", flag.ContinueOnError)
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent workers")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "guarded operations per worker")
	fs.Int64Var(&cfg.Initial, "initial", cfg.Initial, "initial counter value")
	decrement := fs.Bool("decrement", false, "decrement instead of increment")
	yield := fs.Bool("yield", false, "yield the processor while spinning")
	stats := fs.Bool("stats", false, "print collected stats")
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if *decrement {
		cfg.Mode = stress.Decrement
	}
	if *yield {
		cfg.Spin = cell.Yield
	}
	return cfg, *stats, cfg.Validate()
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cfg, stats, err := parse(args)
	if err != nil {
		return err
	}
	r, err := stress.Run(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, r)
	if stats {
		keys := maps.Keys(r.Stats)
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%g\n", k, r.Stats[k])
		}
	}
	return r.Check()
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, "spincell:", err)
	os.Exit(1)
}

func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		exit(err)
	}
}
