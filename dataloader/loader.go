package dataloader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-mmfusion/dataset"
)

// Config holds configuration for Loader.
type Config struct {
	BatchSize int
	Shuffle   bool
	// Workers is the number of goroutines decoding samples (default: 2).
	Workers int
	// PrefetchDepth bounds the number of batches in flight (default: 2).
	PrefetchDepth int
	// Seed drives the per-epoch shuffle order.
	Seed int64
}

// Loader streams collated batches over one split. Sample decoding runs on
// a worker pool; batches are delivered to the caller in order on the
// calling goroutine.
type Loader struct {
	split   *dataset.Split
	builder *dataset.Builder
	config  Config

	skipped atomic.Int64
}

// NewLoader creates a loader over split.
func NewLoader(split *dataset.Split, builder *dataset.Builder, config Config) (*Loader, error) {
	if split == nil || builder == nil {
		return nil, fmt.Errorf("split and builder are required")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	return &Loader{split: split, builder: builder, config: config}, nil
}

// Size returns the number of samples in the split.
func (l *Loader) Size() int {
	return l.split.Len()
}

// Len returns the number of batches per pass.
func (l *Loader) Len() int {
	return (l.split.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Split returns the underlying split.
func (l *Loader) Split() *dataset.Split {
	return l.split
}

// Skipped returns the number of samples dropped during the last pass.
func (l *Loader) Skipped() int {
	return int(l.skipped.Load())
}

// Order returns the sample order for the given epoch. With shuffling
// enabled the permutation depends only on the seed and the epoch, so a
// resumed run replays the same order.
func (l *Loader) Order(epoch int) []int {
	n := l.split.Len()
	if !l.config.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
	return rng.Perm(n)
}

func (l *Loader) batchIndices(epoch int) [][]int {
	order := l.Order(epoch)
	batches := make([][]int, 0, l.Len())
	for start := 0; start < len(order); start += l.config.BatchSize {
		end := min(start+l.config.BatchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

type slot struct {
	batch *Batch
}

// Iterate calls fn with every batch of one pass, in order. Samples that fail
// to build are skipped and counted; a batch left empty is not delivered.
// Iteration stops at the first error from fn or from collation.
func (l *Loader) Iterate(ctx context.Context, epoch int, fn func(*Batch) error) error {
	batches := l.batchIndices(epoch)
	l.skipped.Store(0)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	slots := make([]chan slot, len(batches))
	for i := range slots {
		slots[i] = make(chan slot, 1)
	}
	jobs := make(chan int)
	inflight := make(chan struct{}, l.config.PrefetchDepth)

	g.Go(func() error {
		defer close(jobs)
		for pos := range batches {
			select {
			case inflight <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- pos:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < l.config.Workers; w++ {
		g.Go(func() error {
			for pos := range jobs {
				b, err := l.load(batches[pos])
				if err != nil {
					return err
				}
				slots[pos] <- slot{batch: b}
			}
			return nil
		})
	}

	var consumeErr error
consume:
	for pos := range batches {
		var s slot
		select {
		case s = <-slots[pos]:
		case <-gctx.Done():
			break consume
		}
		<-inflight
		if s.batch == nil {
			continue
		}
		if err := fn(s.batch); err != nil {
			consumeErr = err
			break
		}
	}

	cancel()
	waitErr := g.Wait()

	if n := l.Skipped(); n > 0 {
		slog.Warn("skipped samples", "split", l.split.Name, "skipped", n)
	}

	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil {
		return waitErr
	}
	return ctx.Err()
}

// load builds and collates one batch. Build failures are data errors and
// only drop the sample.
func (l *Loader) load(indices []int) (*Batch, error) {
	encoded := make([]*dataset.Encoded, 0, len(indices))
	for _, idx := range indices {
		enc, err := l.builder.Build(l.split, idx)
		if err != nil {
			l.skipped.Add(1)
			slog.Debug("skipping sample", "split", l.split.Name, "index", idx, "error", err)
			continue
		}
		encoded = append(encoded, enc)
	}
	if len(encoded) == 0 {
		return nil, nil
	}
	return Collate(encoded)
}
