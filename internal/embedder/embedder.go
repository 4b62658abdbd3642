// Package embedder turns planned chunk batches into embedding vectors with
// bounded concurrency, pacing and retries, yielding results in batch order.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pdfchat/internal/ai"
	"pdfchat/internal/metrics"
	"pdfchat/internal/vectorstore"
)

var (
	ErrEmbeddingFailure = errors.New("embedding failed")
	ErrInvalidConfig    = errors.New("invalid embedder config")
)

// Service is the external embedding call.
type Service interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	Dimension         int
	BatchSize         int
	Workers           int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	CallTimeout       time.Duration
	RequestsPerSecond float64
}

// Batch is a group of chunks embedded by one call. Index is the position of
// the batch in the full plan of a document and does not change on resume.
type Batch struct {
	Index  int
	Orders []int
	Texts  []string
}

type Result struct {
	Batch    Batch
	Vectors  [][]float32
	Attempts int
	Err      error
}

type Embedder struct {
	svc     Service
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(svc Service, cfg Config, log *slog.Logger) (*Embedder, error) {
	if cfg.Dimension <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: dimension and batch size must be positive", ErrInvalidConfig)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Embedder{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		log:     log,
	}, nil
}

func (e *Embedder) BatchSize() int { return e.cfg.BatchSize }

// Plan splits texts (parallel to orders) into batches of at most batchSize,
// leaving out every order listed in done. Batches with nothing left to
// embed are dropped entirely.
func Plan(orders []int, texts []string, batchSize int, done []int) []Batch {
	if batchSize <= 0 {
		batchSize = 1
	}
	skip := make(map[int]struct{}, len(done))
	for _, o := range done {
		skip[o] = struct{}{}
	}

	var batches []Batch
	for start := 0; start < len(orders); start += batchSize {
		end := min(start+batchSize, len(orders))
		b := Batch{Index: start / batchSize}
		for i := start; i < end; i++ {
			if _, ok := skip[orders[i]]; ok {
				continue
			}
			b.Orders = append(b.Orders, orders[i])
			b.Texts = append(b.Texts, texts[i])
		}
		if len(b.Orders) > 0 {
			batches = append(batches, b)
		}
	}
	return batches
}

type slot struct {
	res        Result
	dispatched bool
}

// Embed dispatches batches concurrently and yields one Result per batch in
// the order given. Once ctx is done no further batch is dispatched, and the
// sequence ends after the batches already in flight. Stopping the range
// early cancels in-flight calls.
func (e *Embedder) Embed(ctx context.Context, batches []Batch) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		if len(batches) == 0 {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		slots := make([]chan slot, len(batches))
		for i := range slots {
			slots[i] = make(chan slot, 1)
		}

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			var g errgroup.Group
			g.SetLimit(e.cfg.Workers)
			for i, b := range batches {
				if ctx.Err() != nil {
					slots[i] <- slot{res: Result{Batch: b, Err: ctx.Err()}}
					continue
				}
				g.Go(func() error {
					slots[i] <- slot{res: e.embedBatch(ctx, b), dispatched: true}
					return nil
				})
			}
			_ = g.Wait()
		}()
		defer func() {
			cancel()
			<-finished
		}()

		for i := range slots {
			s := <-slots[i]
			if !s.dispatched {
				return
			}
			if !yield(s.res) {
				return
			}
		}
	}
}

func (e *Embedder) embedBatch(ctx context.Context, b Batch) Result {
	res := Result{Batch: b}
	log := e.log.With("batch", b.Index, "size", len(b.Texts))

	op := func() error {
		res.Attempts++
		if err := e.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		vectors, err := e.svc.EmbedBatch(callCtx, b.Texts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if ai.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(vectors) != len(b.Texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d vectors for %d texts", ai.ErrInvalidInput, len(vectors), len(b.Texts)))
		}
		for i, v := range vectors {
			if len(v) != e.cfg.Dimension {
				return backoff.Permanent(fmt.Errorf("%w: chunk %d has %d, want %d",
					vectorstore.ErrDimensionMismatch, b.Orders[i], len(v), e.cfg.Dimension))
			}
		}
		res.Vectors = vectors
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		metrics.EmbeddingRetries.Inc()
		log.Warn("embedding call failed, retrying", "attempt", res.Attempts, "wait", wait, "error", err)
	})
	if err != nil {
		metrics.BatchFailures.Inc()
		res.Vectors = nil
		res.Err = fmt.Errorf("%w: batch %d after %d attempts: %w", ErrEmbeddingFailure, b.Index, res.Attempts, err)
		log.Error("embedding batch failed", "attempts", res.Attempts, "error", err)
	}
	return res
}
