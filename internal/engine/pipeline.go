package engine

import "context"

// Stage is one typed step of a linear pipeline: the degenerate workflow
// shape where every node has exactly one successor.
type Stage[I, O any] func(ctx context.Context, in I) (O, error)

// Chain composes two stages. The second stage never runs after a failure
// or a cancelled context.
func Chain[I, M, O any](first Stage[I, M], second Stage[M, O]) Stage[I, O] {
	return func(ctx context.Context, in I) (O, error) {
		var zero O
		mid, err := first(ctx, in)
		if err != nil {
			return zero, err
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return second(ctx, mid)
	}
}
