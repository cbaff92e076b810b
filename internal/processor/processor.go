// Package processor runs the claim, classify and persist loop against the
// trade store.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/alerting"
	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/pkg/errors"
	"github.com/Aidin1998/tradesentry/pkg/metrics"
)

// Store is the part of the trade store the loop drives.
type Store interface {
	Claim(ctx context.Context, workerID string, limit int) ([]models.Trade, error)
	ReclaimStale(ctx context.Context, window time.Duration) (int64, error)
	Commit(ctx context.Context, workerID string, score *models.RiskScore, alert *models.Alert) error
	MarkFailed(ctx context.Context, workerID string, tradeID int64, reason string) error
}

// Snapshots supplies the reference data generation for each batch.
type Snapshots interface {
	Current() *refdata.Snapshot
}

// Option configures a Processor
type Option func(*Processor)

// WithWakeup makes the loop poll immediately whenever ch fires instead of
// waiting for the next interval.
func WithWakeup(ch <-chan struct{}) Option {
	return func(p *Processor) { p.wake = ch }
}

// WithPublisher fans committed alerts out to pub.
func WithPublisher(pub alerting.Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// Processor claims NEW trades in batches and records a decision for each.
type Processor struct {
	cfg       config.ProcessorConfig
	store     Store
	snapshots Snapshots
	assessor  *scoring.Assessor
	publisher alerting.Publisher
	wake      <-chan struct{}
	pool      *ants.Pool
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// BatchResult summarizes one poll iteration
type BatchResult struct {
	Reclaimed int64
	Claimed   int
	Processed int
	Failed    int
	Deferred  int
}

// New creates a processor with a bounded worker pool of cfg.Workers.
func New(cfg config.ProcessorConfig, store Store, snapshots Snapshots, assessor *scoring.Assessor, logger *zap.Logger, opts ...Option) (*Processor, error) {
	log := logger.Named("processor").With(zap.String("worker", cfg.WorkerID))
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(r any) {
		log.Error("worker panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		assessor:  assessor,
		publisher: alerting.Noop{},
		pool:      pool,
		tracer:    otel.Tracer("tradesentry/processor"),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the worker pool.
func (p *Processor) Close() {
	p.pool.Release()
}

// Run polls until ctx is cancelled. A batch that is already claimed when ctx
// is cancelled is still classified and persisted before Run returns.
// Transient store errors back off exponentially up to cfg.MaxBackoff.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Starting processor",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("workers", p.cfg.Workers))

	policy := newBackoff(p.cfg)

	for {
		if ctx.Err() != nil {
			p.logger.Info("Processor stopped")
			return nil
		}

		res, err := p.Poll(ctx)

		var delay time.Duration
		switch {
		case err != nil && ctx.Err() == nil:
			delay = policy.NextBackOff()
			p.logger.Warn("poll failed, backing off", zap.Error(err), zap.Duration("retry_in", delay))
		case res.Claimed >= p.cfg.BatchSize:
			// A full batch means there is probably more waiting.
			policy.Reset()
			continue
		default:
			policy.Reset()
			delay = p.cfg.PollInterval
		}

		if !p.sleep(ctx, delay) {
			p.logger.Info("Processor stopped")
			return nil
		}
	}
}

// newBackoff starts at the poll interval and never gives up.
func newBackoff(cfg config.ProcessorConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PollInterval
	policy.MaxInterval = cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	// NewExponentialBackOff already reset itself with the library default
	// interval; start over from ours.
	policy.Reset()
	return policy
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case _, ok := <-p.wake:
		if !ok {
			p.wake = nil
		}
		return true
	}
}

// Poll runs a single iteration: reclaim stale claims, claim a batch, classify
// it on the worker pool and persist each decision. The returned error is the
// first transient store failure, which callers use to back off.
func (p *Processor) Poll(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "processor.poll")
	defer span.End()

	reclaimCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	n, err := p.store.ReclaimStale(reclaimCtx, p.cfg.ClaimStaleness)
	cancel()
	if err != nil {
		metrics.PollErrors.WithLabelValues("reclaim").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return res, err
	}
	res.Reclaimed = n

	// Snapshot is taken once so the whole batch sees one generation.
	snap := p.snapshots.Current()

	claimCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	trades, err := p.store.Claim(claimCtx, p.cfg.WorkerID, p.cfg.BatchSize)
	cancel()
	if err != nil {
		metrics.PollErrors.WithLabelValues("claim").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res, err
	}
	res.Claimed = len(trades)
	span.SetAttributes(attribute.Int("batch.claimed", len(trades)))
	if len(trades) == 0 {
		return res, nil
	}

	// Claimed work is finished even if the caller is shutting down.
	work := context.WithoutCancel(ctx)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	record := func(o outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeProcessed:
			res.Processed++
		case outcomeFailed:
			res.Failed++
		default:
			res.Deferred++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := range trades {
		t := &trades[i]
		task := func() {
			defer wg.Done()
			record(p.handle(work, snap, t))
		}
		wg.Add(1)
		if err := p.pool.Submit(task); err != nil {
			// Pool released during shutdown; finish inline.
			task()
		}
	}
	wg.Wait()

	metrics.BatchLatency.Observe(time.Since(start).Seconds())
	p.logger.Debug("batch complete",
		zap.Int("claimed", res.Claimed),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("deferred", res.Deferred))
	if firstErr != nil {
		metrics.PollErrors.WithLabelValues("persist").Inc()
	}
	return res, firstErr
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeDeferred
)

// handle classifies and persists one claimed trade. Only transient store
// errors are returned; the trade then stays CLAIMED until it is reclaimed.
func (p *Processor) handle(ctx context.Context, snap *refdata.Snapshot, t *models.Trade) (outcome, error) {
	ctx, span := p.tracer.Start(ctx, "processor.assess", trace.WithAttributes(
		attribute.Int64("trade.id", t.ID),
		attribute.String("trade.external_id", t.ExternalID),
	))
	defer span.End()

	as, err := p.assess(snap, t)
	if err != nil {
		span.RecordError(err)
		return p.fail(ctx, t, err)
	}

	score, alert := as.Records(p.cfg.WorkerID, p.now())
	span.SetAttributes(
		attribute.String("risk.classification", string(score.Classification)),
		attribute.Float64("risk.score", score.Score),
	)

	commitCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err = p.store.Commit(commitCtx, p.cfg.WorkerID, score, alert)
	cancel()

	switch {
	case err == nil:
		metrics.TradesProcessed.WithLabelValues(string(score.Classification)).Inc()
		metrics.RiskScores.Observe(score.Score)
		if alert != nil {
			p.logger.Info("alert raised",
				zap.Int64("trade_id", t.ID),
				zap.String("classification", string(alert.Classification)),
				zap.Float64("score", score.Score),
				zap.String("summary", alert.Summary))
			_ = p.publisher.Publish(ctx, score, alert)
		}
		return outcomeProcessed, nil

	case errors.Is(err, errors.ClaimLost), errors.Is(err, errors.Conflict):
		// Reclaimed and finished elsewhere; that decision stands.
		p.logger.Warn("claim lost before commit", zap.Int64("trade_id", t.ID), zap.Error(err))
		return outcomeDeferred, nil

	case errors.Is(err, errors.Invariant):
		span.RecordError(err)
		return p.fail(ctx, t, err)

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		p.logger.Warn("commit failed, leaving trade for reclaim", zap.Int64("trade_id", t.ID), zap.Error(err))
		return outcomeDeferred, err
	}
}

// assess converts a panic in rule evaluation or scoring into an Invariant
// error so that one bad trade cannot take the batch down.
func (p *Processor) assess(snap *refdata.Snapshot, t *models.Trade) (as *scoring.Assessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			as = nil
			err = errors.Invariant.Explain("panic while assessing trade %d: %v", t.ID, r)
		}
	}()
	return p.assessor.Assess(snap, t)
}

func (p *Processor) fail(ctx context.Context, t *models.Trade, cause error) (outcome, error) {
	kind := errors.KindOf(cause)
	failCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err := p.store.MarkFailed(failCtx, p.cfg.WorkerID, t.ID, cause.Error())
	cancel()

	switch {
	case err == nil:
		metrics.TradesFailed.WithLabelValues(kind).Inc()
		p.logger.Error("trade failed",
			zap.Int64("trade_id", t.ID),
			zap.String("external_id", t.ExternalID),
			zap.String("kind", kind),
			zap.Error(cause))
		return outcomeFailed, nil
	case errors.Is(err, errors.ClaimLost):
		p.logger.Warn("claim lost before marking failed", zap.Int64("trade_id", t.ID))
		return outcomeDeferred, nil
	default:
		p.logger.Warn("mark failed did not persist, leaving trade for reclaim", zap.Int64("trade_id", t.ID), zap.Error(err))
		return outcomeDeferred, err
	}
}
