package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(_ context.Context, n int) (int, error) {
	return n * 2, nil
}

func TestRun_IsolatesFailureAndKeepsOrder(t *testing.T) {
	items := []string{"i1", "i2", "i3", "i4", "i5"}
	op := func(_ context.Context, s string) (string, error) {
		if s == "i3" {
			return "", errors.New("boom")
		}
		return s + "-ok", nil
	}

	out := Run(context.Background(), items, op, Options{})

	require.Len(t, out, 5)
	for i, o := range out {
		assert.Equal(t, items[i], o.Item)
	}
	assert.False(t, out[2].OK())
	assert.Equal(t, "boom", out[2].Error)

	var ok int
	for _, o := range out {
		if o.OK() {
			ok++
			assert.Equal(t, o.Item+"-ok", o.Result)
		}
	}
	assert.Equal(t, 4, ok)
}

func TestRun_RecoversPanics(t *testing.T) {
	op := func(_ context.Context, n int) (int, error) {
		if n == 2 {
			panic("bad item")
		}
		return n, nil
	}

	out := Run(context.Background(), []int{1, 2, 3}, op, Options{})

	require.Len(t, out, 3)
	assert.True(t, out[0].OK())
	assert.Equal(t, "panic: bad item", out[1].Error)
	assert.Equal(t, 3, out[2].Result)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	op := func(_ context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return n, nil
	}

	items := make([]int, 30)
	for i := range items {
		items[i] = i
	}
	out := Run(context.Background(), items, op, Options{ChunkSize: 10, Concurrency: 3})

	require.Len(t, out, 30)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for i, o := range out {
		assert.Equal(t, i, o.Result)
	}
}

func TestRun_ReportsProgressPerChunk(t *testing.T) {
	var (
		mu    sync.Mutex
		calls [][2]int
	)
	items := []int{1, 2, 3, 4, 5}
	Run(context.Background(), items, double, Options{
		ChunkSize: 2,
		OnProgress: func(done, total int) {
			mu.Lock()
			calls = append(calls, [2]int{done, total})
			mu.Unlock()
		},
	})

	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, calls)
}

func TestRun_CancelledContextMarksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := func(_ context.Context, n int) (int, error) {
		if n == 2 {
			cancel()
		}
		return n, nil
	}

	out := Run(ctx, []int{1, 2, 3, 4}, op, Options{ChunkSize: 2, Concurrency: 1})

	require.Len(t, out, 4)
	assert.True(t, out[0].OK())
	assert.True(t, out[1].OK())
	for _, o := range out[2:] {
		assert.Equal(t, context.Canceled.Error(), o.Error)
	}
}

func TestRun_Empty(t *testing.T) {
	out := Run(context.Background(), nil, double, Options{})
	assert.Empty(t, out)
}
