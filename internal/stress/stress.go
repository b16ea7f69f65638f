// Package stress runs concurrent workers against a single guarded cell.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monotime"
	"golang.org/x/exp/constraints"

	"github.com/go-ricrob/spincell/cell"
)

// Errors returned by Validate and Check.
var (
	ErrMismatch  = errors.New("final value mismatch")
	ErrExclusion = errors.New("more than one holder inside the cell")
	ErrUnderflow = errors.New("value dropped below lower bound")
	ErrLocked    = errors.New("cell left locked")
	ErrOverflow  = errors.New("counter would overflow")
)

// Mode selects the operation every worker applies.
type Mode int

// Modes.
const (
	Increment Mode = iota
	Decrement
)

func (m Mode) String() string {
	switch m {
	case Increment:
		return "increment"
	case Decrement:
		return "decrement"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Inc increments n.
func Inc[N constraints.Integer](n *N) { *n++ }

// Dec decrements n.
func Dec[N constraints.Integer](n *N) { *n-- }

// Config configures a stress run.
type Config struct {
	Workers    int
	Iterations int // guarded operations per worker
	Initial    int64
	Mode       Mode
	Spin       func() // spin function of the cell, nil for a busy spin
}

// DefaultConfig returns 100 workers incrementing 1000 times each from 0.
func DefaultConfig() Config {
	return Config{Workers: 100, Iterations: 1000}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("invalid number of workers %d", c.Workers)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("invalid number of iterations %d", c.Iterations)
	}
	if c.Mode != Increment && c.Mode != Decrement {
		return fmt.Errorf("invalid mode %s", c.Mode)
	}
	if int64(c.Workers) > math.MaxInt64/int64(c.Iterations) {
		return fmt.Errorf("%w: %d workers x %d iterations", ErrOverflow, c.Workers, c.Iterations)
	}
	total := c.total()
	if c.Mode == Increment && c.Initial > math.MaxInt64-total {
		return fmt.Errorf("%w: %d + %d", ErrOverflow, c.Initial, total)
	}
	if c.Mode == Decrement && c.Initial < math.MinInt64+total {
		return fmt.Errorf("%w: %d - %d", ErrOverflow, c.Initial, total)
	}
	return nil
}

func (c Config) total() int64 { return int64(c.Workers) * int64(c.Iterations) }

func (c Config) expected() int64 {
	if c.Mode == Decrement {
		return c.Initial - c.total()
	}
	return c.Initial + c.total()
}

// lowerBound is the smallest value any interleaving can reach.
func (c Config) lowerBound() int64 {
	if c.Mode == Decrement {
		return c.Initial - c.total()
	}
	return c.Initial
}

func (c Config) step() func(*int64) {
	if c.Mode == Decrement {
		return Dec[int64]
	}
	return Inc[int64]
}

// counter is the value protected by the cell.
type counter struct {
	n        int64
	min, max int64 // extremes observed by holders
}

// Result is the outcome of a stress run.
type Result struct {
	Mode       Mode
	Final      int64
	Expected   int64
	LowerBound int64
	Min, Max   int64
	MaxInside  int64 // maximum of concurrent holders observed
	Locked     bool  // cell still held after the final read
	Ops        int64
	Elapsed    time.Duration
	Stats      map[string]float64
}

// Check returns an error if the run lost updates, had concurrent holders,
// went below its lower bound or left the cell locked.
func (r *Result) Check() error {
	var errs []error
	if r.Final != r.Expected {
		errs = append(errs, fmt.Errorf("%w: got %d - expected %d", ErrMismatch, r.Final, r.Expected))
	}
	if r.MaxInside > 1 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrExclusion, r.MaxInside))
	}
	if r.Min < r.LowerBound {
		errs = append(errs, fmt.Errorf("%w: %d < %d", ErrUnderflow, r.Min, r.LowerBound))
	}
	if r.Locked {
		errs = append(errs, ErrLocked)
	}
	return errors.Join(errs...)
}

func (r *Result) String() string {
	return fmt.Sprintf("mode=%s final=%d expected=%d max_inside=%d ops=%d elapsed=%s",
		r.Mode, r.Final, r.Expected, r.MaxInside, r.Ops, r.Elapsed)
}

// gauge counts the holders currently inside the cell.
type gauge struct {
	inside, max atomic.Int64
}

func (g *gauge) enter() {
	n := g.inside.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.inside.Add(-1) }

func worker(ctx context.Context, c *cell.Cell[counter], cfg Config, g *gauge, ops *monkit.Counter, wg *sync.WaitGroup) {
	defer wg.Done()

	step := cfg.step()
	for i := 0; i < cfg.Iterations; i++ {
		if ctx.Err() != nil {
			return
		}
		c.Do(func(v *counter) {
			g.enter()
			defer g.exit()
			step(&v.n)
			if v.n < v.min {
				v.min = v.n
			}
			if v.n > v.max {
				v.max = v.n
			}
		})
		ops.Inc(1)
	}
}

// Run spawns cfg.Workers goroutines sharing one cell and waits for all of them.
// A canceled ctx stops workers between operations; Run then returns the ctx error.
func Run(ctx context.Context, cfg Config) (_ *Result, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := monkit.NewRegistry()
	mon := reg.ScopeNamed("spincell/stress")
	defer mon.Task()(&ctx)(&err)

	var opts []cell.Option
	if cfg.Spin != nil {
		opts = append(opts, cell.WithSpin(cfg.Spin))
	}
	c := cell.New(counter{n: cfg.Initial, min: cfg.Initial, max: cfg.Initial}, opts...)

	g := new(gauge)
	ops := mon.Counter("ops")
	timer := mon.Timer("run").Start()
	start := monotime.Monotonic()

	// spin up workers
	wg := new(sync.WaitGroup)
	wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go worker(ctx, c, cfg, g, ops, wg)
	}
	wg.Wait()

	elapsed := monotime.Monotonic() - start
	timer.Stop()

	if n := ops.Current(); n < cfg.total() {
		return nil, fmt.Errorf("stress run canceled after %d of %d ops: %w", n, cfg.total(), ctx.Err())
	}

	final := cell.RunExclusive(c, func(v *counter) counter { return *v })
	mon.IntVal("max_inside").Observe(g.max.Load())
	mon.IntVal("final").Observe(final.n)

	return &Result{
		Mode:       cfg.Mode,
		Final:      final.n,
		Expected:   cfg.expected(),
		LowerBound: cfg.lowerBound(),
		Min:        final.min,
		Max:        final.max,
		MaxInside:  g.max.Load(),
		Locked:     c.Locked(),
		Ops:        ops.Current(),
		Elapsed:    elapsed,
		Stats:      monkit.Collect(reg),
	}, nil
}
