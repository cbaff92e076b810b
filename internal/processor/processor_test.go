package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tradesentry/internal/classifier"
	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/internal/store"
	"github.com/Aidin1998/tradesentry/pkg/validation"
	"github.com/Aidin1998/tradesentry/testutil"
)

type capturePublisher struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *capturePublisher) Publish(_ context.Context, _ *models.RiskScore, a *models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

type staticSnapshots struct{ snap *refdata.Snapshot }

func (s staticSnapshots) Current() *refdata.Snapshot { return s.snap }

func processorConfig(worker string) config.ProcessorConfig {
	return config.ProcessorConfig{
		PollInterval:    20 * time.Millisecond,
		BatchSize:       10,
		ClaimStaleness:  time.Minute,
		StoreTimeout:    5 * time.Second,
		Workers:         4,
		WorkerID:        worker,
		ShutdownTimeout: 5 * time.Second,
		MaxBackoff:      200 * time.Millisecond,
	}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, DSN: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.db")
	st := openStore(t, path)
	require.NoError(t, st.Migrate(context.Background(), ""))
	return st, path
}

func newProcessor(t *testing.T, st Store, snaps Snapshots, worker string, opts ...Option) *Processor {
	t.Helper()
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	assessor := scoring.NewAssessor(c, validation.NewValidator(logger))

	p, err := New(processorConfig(worker), st, snaps, assessor, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func holder(t *testing.T) *refdata.Holder {
	t.Helper()
	h, err := refdata.NewHolder(context.Background(), testutil.StaticSource(), testutil.Model(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	return h
}

func countRows(t *testing.T, st *store.Store, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, st.DB().Model(model).Count(&n).Error)
	return n
}

func TestPollClassifiesAndPersistsBatch(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)

	malformed := testutil.Trade("BAD", "CPTY_A", 100, 100)
	malformed.Quantity = decimal.Zero
	trades := []*models.Trade{
		testutil.Trade("CLEAN", "CPTY_A", 100, 100),
		testutil.Trade("SANCTIONED", "Ivan Petrov", 100, 100),
		testutil.Trade("BREACH", "CPTY_A", 5000, 90),
		malformed,
	}
	require.NoError(t, st.InsertTrades(ctx, trades))

	pub := &capturePublisher{}
	p := newProcessor(t, st, holder(t), "w1", WithPublisher(pub))

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Claimed)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Failed)

	want := map[string]models.Classification{
		"CLEAN":      models.Allow,
		"SANCTIONED": models.Block,
		"BREACH":     models.Review,
	}
	for _, tr := range trades[:3] {
		got, err := st.GetTrade(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeProcessed, got.Status, tr.ExternalID)

		rs, err := st.RiskScoreForTrade(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, want[tr.ExternalID], rs.Classification, tr.ExternalID)

		alert, err := st.AlertForTrade(ctx, tr.ID)
		if rs.Classification == models.Allow {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, rs.ID, alert.RiskScoreID)
	}

	failed, err := st.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "BAD", failed[0].ExternalID)
	assert.Contains(t, failed[0].FailureReason, "Malformed")

	assert.Equal(t, int64(3), countRows(t, st, &models.RiskScore{}))
	assert.Equal(t, int64(2), countRows(t, st, &models.Alert{}))
	assert.Len(t, pub.alerts, 2)

	// Re-running is a no-op: nothing is NEW any more.
	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, int64(3), countRows(t, st, &models.RiskScore{}))
}

func TestConcurrentProcessorsClassifyEachTradeOnce(t *testing.T) {
	ctx := context.Background()
	st, path := newStore(t)

	const total = 45
	trades := make([]*models.Trade, total)
	for i := range trades {
		trades[i] = testutil.Trade(fmt.Sprintf("T-%02d", i), "CPTY_B", int64(10+i), 100)
	}
	require.NoError(t, st.InsertTrades(ctx, trades))

	h := holder(t)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		p := newProcessor(t, openStore(t, path), h, fmt.Sprintf("w%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := p.Poll(ctx)
				if !assert.NoError(t, err) || res.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), counts[models.TradeProcessed])
	assert.Equal(t, int64(total), countRows(t, st, &models.RiskScore{}))
}

func TestPanicInAssessmentFailsOnlyThatTrade(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	require.NoError(t, st.InsertTrades(ctx, []*models.Trade{
		testutil.Trade("A", "CPTY_A", 100, 100),
		testutil.Trade("B", "CPTY_A", 100, 100),
	}))

	broken := *testutil.Snapshot(t)
	broken.Model = nil
	p := newProcessor(t, st, staticSnapshots{snap: &broken}, "w1")

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	failed, err := st.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].FailureReason, "panic while assessing")
	assert.Zero(t, countRows(t, st, &models.RiskScore{}))
}

// flakyStore fails the first claims with a transient error.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Claim(ctx context.Context, worker string, limit int) ([]models.Trade, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("database is locked")
	}
	f.mu.Unlock()
	return f.Store.Claim(ctx, worker, limit)
}

func TestRunRecoversFromTransientErrorsAndStops(t *testing.T) {
	st, _ := newStore(t)
	require.NoError(t, st.InsertTrades(context.Background(), []*models.Trade{
		testutil.Trade("R1", "CPTY_A", 100, 100),
	}))

	wake := make(chan struct{}, 1)
	p := newProcessor(t, &flakyStore{Store: st, failures: 2}, holder(t), "w1", WithWakeup(wake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		tr, err := st.GetTrade(context.Background(), 1)
		return err == nil && tr.Status == models.TradeProcessed
	}, 5*time.Second, 10*time.Millisecond)

	// A wake-up picks up newly inserted work without waiting for the interval.
	require.NoError(t, st.InsertTrades(context.Background(), []*models.Trade{
		testutil.Trade("R2", "CPTY_A", 100, 100),
	}))
	wake <- struct{}{}
	require.Eventually(t, func() bool {
		tr, err := st.GetTrade(context.Background(), 2)
		return err == nil && tr.Status == models.TradeProcessed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestStaleClaimIsReclaimedAndFinished(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	require.NoError(t, st.InsertTrades(ctx, []*models.Trade{testutil.Trade("S1", "CPTY_A", 100, 100)}))

	// A crashed processor claimed the trade and never came back.
	_, err := st.Claim(ctx, "crashed", 1)
	require.NoError(t, err)
	require.NoError(t, st.DB().Model(&models.Trade{}).Where("id = ?", 1).
		Update("claimed_at", time.Now().UTC().Add(-time.Hour)).Error)

	p := newProcessor(t, st, holder(t), "w2")
	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reclaimed)
	assert.Equal(t, 1, res.Processed)

	rs, err := st.RiskScoreForTrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "w2", rs.DecidedBy)
}

// cancelOnClaim cancels the run context as soon as a batch has been claimed.
type cancelOnClaim struct {
	Store
	cancel context.CancelFunc
}

func (c *cancelOnClaim) Claim(ctx context.Context, worker string, limit int) ([]models.Trade, error) {
	trades, err := c.Store.Claim(ctx, worker, limit)
	if len(trades) > 0 {
		c.cancel()
	}
	return trades, err
}

func TestShutdownFinishesClaimedBatch(t *testing.T) {
	st, _ := newStore(t)
	require.NoError(t, st.InsertTrades(context.Background(), []*models.Trade{
		testutil.Trade("D1", "CPTY_A", 100, 100),
		testutil.Trade("D2", "CPTY_A", 5000, 90),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newProcessor(t, &cancelOnClaim{Store: st, cancel: cancel}, holder(t), "w1")

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[models.TradeStatus]int64{models.TradeProcessed: 2}, counts)
	assert.Equal(t, int64(2), countRows(t, st, &models.RiskScore{}))
	for _, id := range []int64{1, 2} {
		_, err := st.RiskScoreForTrade(context.Background(), id)
		assert.NoError(t, err)
	}
}

func TestBackoffStartsAtPollInterval(t *testing.T) {
	cfg := processorConfig("w1")
	policy := newBackoff(cfg)

	// Default randomization is +/-50% around the current interval.
	first := policy.NextBackOff()
	assert.GreaterOrEqual(t, first, cfg.PollInterval/2)
	assert.LessOrEqual(t, first, cfg.PollInterval*3/2)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, policy.NextBackOff(), cfg.MaxBackoff*3/2)
	}
}
