package cell

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const hangTimeout = 2 * time.Minute

// within fails t if fn does not return before hangTimeout.
func within(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(hangTimeout):
		t.Fatal("timed out: cell still locked")
	}
}

func TestNew(t *testing.T) {
	tests := []any{0, 42, -7, "abc", struct{ a, b int }{1, 2}}

	for _, test := range tests {
		c := New(test)
		if v := RunExclusive(c, func(v *any) any { return *v }); v != test {
			t.Fatalf("got %v - expected %v", v, test)
		}
	}
}

func TestReturnValue(t *testing.T) {
	c := New(10)
	for i := 10; i < 20; i++ {
		prev := RunExclusive(c, func(v *int) int {
			prev := *v
			*v++
			return prev
		})
		if prev != i {
			t.Fatalf("got %d - expected %d", prev, i)
		}
	}
	if v := RunExclusive(c, func(v *int) int { return *v }); v != 20 {
		t.Fatalf("got %d - expected %d", v, 20)
	}
}

func TestLocked(t *testing.T) {
	c := New(0)
	if c.Locked() {
		t.Fatal("new cell is locked")
	}
	c.Do(func(v *int) {
		if !c.Locked() {
			t.Error("cell not locked inside operation")
		}
	})
	if c.Locked() {
		t.Fatal("cell locked after operation")
	}
}

func TestDo(t *testing.T) {
	c := New([]string{})
	c.Do(func(v *[]string) { *v = append(*v, "a") })
	c.Do(func(v *[]string) { *v = append(*v, "b") })
	if n := RunExclusive(c, func(v *[]string) int { return len(*v) }); n != 2 {
		t.Fatalf("got %d - expected %d", n, 2)
	}
}

func TestReleaseOnPanic(t *testing.T) {
	c := New(0)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("got panic %v - expected boom", r)
			}
		}()
		c.Do(func(v *int) {
			*v = 1
			panic("boom")
		})
	}()

	if c.Locked() {
		t.Fatal("cell locked after panic")
	}
	within(t, func() {
		// the partial write stays visible: no poisoning
		if v := RunExclusive(c, func(v *int) int { return *v }); v != 1 {
			t.Errorf("got %d - expected %d", v, 1)
		}
	})
}

func TestReleaseOnGoexit(t *testing.T) {
	c := New(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunExclusive(c, func(v *int) int {
			*v = 1
			runtime.Goexit()
			return 0
		})
	}()
	wg.Wait()

	within(t, func() { c.Do(func(v *int) { *v++ }) })
}

func TestMutualExclusion(t *testing.T) {
	numWorker, numIter := 100, 1000
	if testing.Short() {
		numWorker, numIter = 10, 100
	}

	tests := []struct {
		name string
		opts []Option
	}{
		{"busy", nil},
		{"yield", []Option{WithSpin(Yield)}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var inside, maxInside atomic.Int32
			c := New(0, test.opts...)

			within(t, func() {
				var wg sync.WaitGroup
				wg.Add(numWorker)
				for i := 0; i < numWorker; i++ {
					go func() {
						defer wg.Done()
						for j := 0; j < numIter; j++ {
							c.Do(func(v *int) {
								n := inside.Add(1)
								for {
									m := maxInside.Load()
									if n <= m || maxInside.CompareAndSwap(m, n) {
										break
									}
								}
								*v++
								inside.Add(-1)
							})
						}
					}()
				}
				wg.Wait()
			})

			if v := RunExclusive(c, func(v *int) int { return *v }); v != numWorker*numIter {
				t.Fatalf("got %d - expected %d", v, numWorker*numIter)
			}
			if m := maxInside.Load(); m != 1 {
				t.Fatalf("max inside %d - expected 1", m)
			}
		})
	}
}

func BenchmarkRunExclusive(b *testing.B) {
	c := New(0)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			RunExclusive(c, func(v *int) int { *v++; return *v })
		}
	})
}
