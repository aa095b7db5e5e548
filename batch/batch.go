// Package batch runs many independent operations in sequential chunks with
// bounded concurrency inside each chunk. One item failing never affects the
// others: every input gets exactly one Outcome, in input order.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   = 20
	DefaultConcurrency = 5
)

// Options tunes a run. Zero values fall back to the defaults.
type Options struct {
	ChunkSize   int
	Concurrency int
	// OnProgress is called after each chunk with the number of items
	// finished so far.
	OnProgress func(done, total int)
}

// Outcome is the result of one item: Result on success, Error otherwise.
type Outcome[T, R any] struct {
	Item   T      `json:"item"`
	Result R      `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the item succeeded.
func (o Outcome[T, R]) OK() bool {
	return o.Error == ""
}

// Func is the per-item operation.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

// Run applies op to every item. It never returns an error of its own; a
// cancelled context marks the items not yet started with the context error.
func Run[T, R any](ctx context.Context, items []T, op Func[T, R], opts Options) []Outcome[T, R] {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	total := len(items)
	out := make([]Outcome[T, R], total)

	for start := 0; start < total; start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, total)

		if err := ctx.Err(); err != nil {
			for i := start; i < total; i++ {
				out[i] = Outcome[T, R]{Item: items[i], Error: err.Error()}
			}
			break
		}

		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = runOne(ctx, items[i], op)
				return nil
			})
		}
		_ = g.Wait()

		if opts.OnProgress != nil {
			opts.OnProgress(end, total)
		}
	}
	return out
}

func runOne[T, R any](ctx context.Context, item T, op Func[T, R]) (o Outcome[T, R]) {
	o.Item = item
	defer func() {
		if r := recover(); r != nil {
			var zero R
			o.Result = zero
			o.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		o.Error = err.Error()
		return o
	}
	res, err := op(ctx, item)
	if err != nil {
		o.Error = err.Error()
		return o
	}
	o.Result = res
	return o
}
