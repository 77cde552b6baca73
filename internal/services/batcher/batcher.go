// Package batcher fans a destination list out in fixed-size batches with an
// inter-batch delay, keeping total concurrency bounded under the remote
// API's rate limits.
package batcher

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quizbot/pkg/logx"
)

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 350 * time.Millisecond
	}
	return c
}

// Failure records one destination that could not be delivered to, with a
// short human-readable reason.
type Failure struct {
	Destination string
	Reason      string
}

type Batcher struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Batcher {
	return &Batcher{cfg: cfg.withDefaults(), log: log}
}

// Split cuts destinations into batches of at most size, preserving order.
func Split(destinations []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var batches [][]string
	for i := 0; i < len(destinations); i += size {
		end := i + size
		if end > len(destinations) {
			end = len(destinations)
		}
		batches = append(batches, destinations[i:end])
	}
	return batches
}

// Run invokes fn once per destination. Destinations within a batch run
// concurrently (no ordering guarantee); batches run strictly in input order,
// paced by a rate limiter so consecutive batch starts are at least the
// configured delay apart. A failing destination never aborts the others;
// every error is reduced to a Failure. The pacing wait is cooperative: a
// cancelled ctx reports the remaining destinations instead of blocking.
func (b *Batcher) Run(ctx context.Context, destinations []string, reason func(error) string, fn func(ctx context.Context, destination string) error) []Failure {
	if reason == nil {
		reason = func(err error) string { return err.Error() }
	}

	var (
		mu       sync.Mutex
		failures []Failure
	)
	fail := func(dest, why string) {
		mu.Lock()
		failures = append(failures, Failure{Destination: dest, Reason: why})
		mu.Unlock()
	}

	limiter := rate.NewLimiter(rate.Every(b.cfg.BatchDelay), 1)
	batches := Split(destinations, b.cfg.BatchSize)
	for i, batch := range batches {
		if err := limiter.Wait(ctx); err != nil {
			// Remaining destinations were never attempted; report them so the
			// aggregate result still accounts for every input.
			for _, rest := range batches[i:] {
				for _, d := range rest {
					fail(d, "cancelled before send")
				}
			}
			break
		}

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, dest := range batch {
			d := dest
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("panic in batch send",
							logx.String("destination", d),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
						fail(d, "internal error")
					}
				}()
				if err := fn(ctx, d); err != nil {
					fail(d, reason(err))
				}
			}()
		}
		wg.Wait()
	}
	return failures
}
