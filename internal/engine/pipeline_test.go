package engine

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainRunsStagesInOrder(t *testing.T) {
	parse := Stage[string, int](func(ctx context.Context, s string) (int, error) {
		return strconv.Atoi(s)
	})
	double := Stage[int, int](func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	})

	out, err := Chain(parse, double)(context.Background(), "21")
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestChainShortCircuitsOnError(t *testing.T) {
	boom := Stage[string, int](func(ctx context.Context, s string) (int, error) {
		return 0, fmt.Errorf("stage one down")
	})
	second := Stage[int, int](func(ctx context.Context, n int) (int, error) {
		t.Error("second stage must not run after a failure")
		return 0, nil
	})

	_, err := Chain(boom, second)(context.Background(), "x")
	assert.ErrorContains(t, err, "stage one down")
}

func TestChainStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Stage[int, int](func(ctx context.Context, n int) (int, error) {
		cancel()
		return n, nil
	})
	second := Stage[int, int](func(ctx context.Context, n int) (int, error) {
		t.Error("second stage must not run after cancellation")
		return 0, nil
	})

	_, err := Chain(first, second)(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
