package embedder

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfchat/internal/ai"
	"pdfchat/internal/vectorstore"
)

// fakeService embeds "t<n>" as [n, 1]. failures maps a text to the errors
// returned by its first calls.
type fakeService struct {
	mu       sync.Mutex
	dim      int
	failures map[string][]error
	delay    func(texts []string) time.Duration
	calls    map[string]int
}

func newFakeService(dim int) *fakeService {
	return &fakeService{dim: dim, failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	key := texts[0]
	f.calls[key]++
	var err error
	if errs := f.failures[key]; len(errs) > 0 {
		err, f.failures[key] = errs[0], errs[1:]
	}
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(texts)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		n, _ := strconv.Atoi(t[1:])
		v := make([]float32, f.dim)
		v[0] = float32(n)
		if f.dim > 1 {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeService) callCount(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func corpus(n int) ([]int, []string) {
	orders := make([]int, n)
	texts := make([]string, n)
	for i := range n {
		orders[i] = i
		texts[i] = fmt.Sprintf("t%d", i)
	}
	return orders, texts
}

func testConfig() Config {
	return Config{
		Dimension:      2,
		BatchSize:      2,
		Workers:        3,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    time.Second,
	}
}

func collect(e *Embedder, ctx context.Context, batches []Batch) []Result {
	var out []Result
	for r := range e.Embed(ctx, batches) {
		out = append(out, r)
	}
	return out
}

func TestPlan(t *testing.T) {
	orders, texts := corpus(10)

	batches := Plan(orders, texts, 3, []int{0, 1, 2, 4})
	require.Len(t, batches, 3)
	assert.Equal(t, Batch{Index: 1, Orders: []int{3, 5}, Texts: []string{"t3", "t5"}}, batches[0])
	assert.Equal(t, Batch{Index: 2, Orders: []int{6, 7, 8}, Texts: []string{"t6", "t7", "t8"}}, batches[1])
	assert.Equal(t, Batch{Index: 3, Orders: []int{9}, Texts: []string{"t9"}}, batches[2])

	assert.Empty(t, Plan(orders, texts, 3, orders))
	assert.Len(t, Plan(orders, texts, 3, nil), 4)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(newFakeService(2), Config{BatchSize: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbed_TransientFailureRetried(t *testing.T) {
	svc := newFakeService(2)
	// Batch 3 of 5 starts with t4.
	svc.failures["t4"] = []error{
		fmt.Errorf("%w: status 503", ai.ErrServiceUnavailable),
		fmt.Errorf("%w: status 429", ai.ErrRateLimited),
	}
	e, err := New(svc, testConfig(), nil)
	require.NoError(t, err)

	orders, texts := corpus(10)
	results := collect(e, context.Background(), Plan(orders, texts, 2, nil))

	require.Len(t, results, 5)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Batch.Index)
		require.Len(t, r.Vectors, 2)
		assert.Equal(t, float32(r.Batch.Orders[0]), r.Vectors[0][0])
	}
	assert.Equal(t, 3, results[2].Attempts)
	assert.Equal(t, 3, svc.callCount("t4"))
	assert.Equal(t, 1, svc.callCount("t0"))
}

func TestEmbed_RetriesExhausted(t *testing.T) {
	svc := newFakeService(2)
	unavailable := fmt.Errorf("%w: status 502", ai.ErrServiceUnavailable)
	svc.failures["t0"] = []error{unavailable, unavailable, unavailable, unavailable}
	e, err := New(svc, testConfig(), nil)
	require.NoError(t, err)

	orders, texts := corpus(2)
	results := collect(e, context.Background(), Plan(orders, texts, 2, nil))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrEmbeddingFailure)
	assert.ErrorIs(t, results[0].Err, ai.ErrServiceUnavailable)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Nil(t, results[0].Vectors)
}

func TestEmbed_PermanentFailureNotRetried(t *testing.T) {
	svc := newFakeService(2)
	svc.failures["t2"] = []error{fmt.Errorf("%w: status 400", ai.ErrInvalidInput)}
	e, err := New(svc, testConfig(), nil)
	require.NoError(t, err)

	orders, texts := corpus(4)
	results := collect(e, context.Background(), Plan(orders, texts, 2, nil))
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrEmbeddingFailure)
	assert.ErrorIs(t, results[1].Err, ai.ErrInvalidInput)
	assert.Equal(t, 1, results[1].Attempts)
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	svc := newFakeService(3)
	e, err := New(svc, testConfig(), nil)
	require.NoError(t, err)

	orders, texts := corpus(2)
	results := collect(e, context.Background(), Plan(orders, texts, 2, nil))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, vectorstore.ErrDimensionMismatch)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestEmbed_OrderPreservedUnderConcurrency(t *testing.T) {
	svc := newFakeService(2)
	svc.delay = func(texts []string) time.Duration {
		n, _ := strconv.Atoi(texts[0][1:])
		return time.Duration(20-n) * time.Millisecond
	}
	cfg := testConfig()
	cfg.Workers = 4
	e, err := New(svc, cfg, nil)
	require.NoError(t, err)

	orders, texts := corpus(20)
	results := collect(e, context.Background(), Plan(orders, texts, 2, nil))
	require.Len(t, results, 10)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Batch.Index)
	}
}

func TestEmbed_CancelledBeforeDispatch(t *testing.T) {
	svc := newFakeService(2)
	e, err := New(svc, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orders, texts := corpus(6)
	results := collect(e, ctx, Plan(orders, texts, 2, nil))
	assert.Empty(t, results)
	assert.Zero(t, svc.callCount("t0"))
}

func TestEmbed_BreakStopsDispatch(t *testing.T) {
	svc := newFakeService(2)
	svc.delay = func([]string) time.Duration { return 5 * time.Millisecond }
	cfg := testConfig()
	cfg.Workers = 1
	e, err := New(svc, cfg, nil)
	require.NoError(t, err)

	orders, texts := corpus(20)
	var seen int
	for r := range e.Embed(context.Background(), Plan(orders, texts, 2, nil)) {
		require.NoError(t, r.Err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
	assert.Zero(t, svc.callCount("t18"))
}
