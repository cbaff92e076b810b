package refdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/pkg/errors"
	"github.com/Aidin1998/tradesentry/pkg/metrics"
)

// Source loads the full reference data set
type Source interface {
	Load(ctx context.Context) (*Data, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (*Data, error)

// Load implements Source
func (f SourceFunc) Load(ctx context.Context) (*Data, error) { return f(ctx) }

// Holder publishes the current snapshot. Reads are lock free; reloads are
// serialized and a failed reload keeps the previous snapshot.
type Holder struct {
	source Source
	model  *anomaly.Forest
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewHolder performs the initial load. Failure here is fatal for the caller.
func NewHolder(ctx context.Context, source Source, model *anomaly.Forest, logger *zap.Logger) (*Holder, error) {
	h := &Holder{
		source: source,
		model:  model,
		logger: logger.Named("refdata"),
		now:    time.Now,
	}
	if _, err := h.Reload(ctx); err != nil {
		return nil, errors.Fatal.Wrap(err).Explain("initial reference data load failed")
	}
	return h, nil
}

// Current returns the active snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Reload builds a new snapshot from the source and swaps it in.
func (h *Holder) Reload(ctx context.Context) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := h.source.Load(ctx)
	if err != nil {
		metrics.ReferenceReloads.WithLabelValues("error").Inc()
		h.logger.Error("Failed to load reference data, keeping previous snapshot", zap.Error(err))
		return nil, err
	}
	snap, err := Build(data, h.model, h.now())
	if err != nil {
		metrics.ReferenceReloads.WithLabelValues("error").Inc()
		h.logger.Error("Reference data rejected, keeping previous snapshot", zap.Error(err))
		return nil, err
	}

	prev := h.current.Swap(snap)
	metrics.ReferenceReloads.WithLabelValues("ok").Inc()

	fields := []zap.Field{
		zap.String("ruleset_version", snap.RulesetVersion()),
		zap.String("model_version", snap.ModelVersion()),
		zap.Int("rules", snap.Stats.Rules),
		zap.Int("counterparties", snap.Stats.Counterparties),
		zap.Int("sanction_names", snap.Stats.SanctionNames),
	}
	if prev != nil {
		fields = append(fields, zap.String("previous_ruleset_version", prev.RulesetVersion()))
	}
	h.logger.Info("Reference data snapshot published", fields...)
	return snap, nil
}
