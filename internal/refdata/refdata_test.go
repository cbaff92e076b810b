package refdata

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/models"
)

const tinyModel = `{"version":"m1","algorithm":"isolation_forest","sample_size":16,
	"features":["notional"],"trees":[{"nodes":[{"leaf":true,"size":16}]}]}`

func testModel(t *testing.T) *anomaly.Forest {
	t.Helper()
	f, err := anomaly.Parse(strings.NewReader(tinyModel))
	require.NoError(t, err)
	return f
}

func timeNow() time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ref.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func TestParseSeed(t *testing.T) {
	data, err := LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)

	assert.Len(t, data.Counterparties, 4)
	assert.Len(t, data.Sanctions, 2)
	assert.Equal(t, []string{"Blue Dragon Co"}, data.Sanctions[1].Aliases)
	require.Len(t, data.Rules, 6)
	assert.JSONEq(t, `{"limit":"100000","currency":"USD"}`, data.Rules[0].Params)
	assert.False(t, data.Rules[5].Active)
	assert.Equal(t, "190.5", data.Instruments[0].ReferencePrice.String())
	assert.Equal(t, "1.08", data.FXRates[1].Rate.String())
}

func TestParseSeedRejectsUnknownFields(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("counterparties:\n  - {name: X, colour: red}\n"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	data, err := LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)

	snap, err := Build(data, testModel(t), timeNow())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Stats.Rules)
	assert.Equal(t, 3, snap.Stats.SanctionNames)
	assert.Equal(t, "m1", snap.ModelVersion())
	assert.NotEmpty(t, snap.RulesetVersion())

	_, err = Build(data, nil, timeNow())
	assert.Error(t, err)

	_, err = Build(&Data{}, testModel(t), timeNow())
	assert.Error(t, err, "a snapshot without active rules is rejected")
}

func TestApplyAndDBSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	data, err := LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, db, data))
	// Applying twice replaces rather than duplicates.
	data, err = LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, db, data))

	loaded, err := NewDBSource(db).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Counterparties, 4)
	assert.Len(t, loaded.Sanctions, 2)
	assert.Len(t, loaded.Rules, 6)
	assert.False(t, loaded.Rules[5].Active)
	assert.Len(t, loaded.FXRates, 3)

	fromFile, err := Build(data, testModel(t), timeNow())
	require.NoError(t, err)
	fromDB, err := Build(loaded, testModel(t), timeNow())
	require.NoError(t, err)
	assert.Equal(t, fromFile.RulesetVersion(), fromDB.RulesetVersion())
}

func TestVersionCoversReferenceData(t *testing.T) {
	build := func(mutate func(*Data)) string {
		data, err := LoadSeedFile("testdata/seed.yaml")
		require.NoError(t, err)
		mutate(data)
		snap, err := Build(data, testModel(t), timeNow())
		require.NoError(t, err)
		return snap.RulesetVersion()
	}
	base := build(func(*Data) {})

	assert.Equal(t, base, build(func(d *Data) {
		// Order of the source rows does not matter.
		d.Counterparties[0], d.Counterparties[1] = d.Counterparties[1], d.Counterparties[0]
		d.FXRates[0], d.FXRates[2] = d.FXRates[2], d.FXRates[0]
	}))

	changes := map[string]func(*Data){
		"sanctions entry": func(d *Data) {
			d.Sanctions = append(d.Sanctions, models.SanctionEntry{Name: "CPTY_A", Country: "US"})
		},
		"sanctions alias": func(d *Data) {
			d.Sanctions[0].Aliases = append(d.Sanctions[0].Aliases, "I. Petrov")
		},
		"counterparty kyc": func(d *Data) {
			d.Counterparties[0].KYCVerified = !d.Counterparties[0].KYCVerified
		},
		"counterparty removed": func(d *Data) {
			d.Counterparties = d.Counterparties[1:]
		},
		"reference price": func(d *Data) {
			d.Instruments[0].ReferencePrice = d.Instruments[0].ReferencePrice.Add(d.Instruments[0].ReferencePrice)
		},
		"fx rate": func(d *Data) {
			d.FXRates[1].Rate = d.FXRates[1].Rate.Add(d.FXRates[0].Rate)
		},
	}
	for name, mutate := range changes {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, base, build(mutate))
		})
	}
}

func TestHolderKeepsSnapshotOnFailedReload(t *testing.T) {
	ctx := context.Background()
	data, err := LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)

	var mu sync.Mutex
	fail := false
	src := SourceFunc(func(context.Context) (*Data, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, fmt.Errorf("database unavailable")
		}
		return data, nil
	})

	h, err := NewHolder(ctx, src, testModel(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	first := h.Current()
	require.NotNil(t, first)

	mu.Lock()
	fail = true
	mu.Unlock()
	_, err = h.Reload(ctx)
	require.Error(t, err)
	assert.Same(t, first, h.Current())

	mu.Lock()
	fail = false
	data.Rules[0].Params = `{"limit": 5000, "currency": "USD"}`
	mu.Unlock()
	next, err := h.Reload(ctx)
	require.NoError(t, err)
	assert.Same(t, next, h.Current())
	assert.NotEqual(t, first.RulesetVersion(), next.RulesetVersion())
}

func TestHolderConcurrentReadsDuringReload(t *testing.T) {
	ctx := context.Background()
	h, err := NewHolder(ctx, FileSource{Path: "testdata/seed.yaml"}, testModel(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := h.Current()
				assert.NotNil(t, snap)
				assert.Equal(t, 5, snap.Rules.Len())
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := h.Reload(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestNewHolderFailsWithoutData(t *testing.T) {
	_, err := NewHolder(context.Background(), FileSource{Path: "testdata/missing.yaml"}, testModel(t), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBroadcasterIgnoresOwnMessages(t *testing.T) {
	b := NewBroadcaster(nil, "reload", "me", zaptest.NewLogger(t))

	_, ok := b.decode(`{"id":"1","instance_id":"me"}`)
	assert.False(t, ok)

	msg, ok := b.decode(`{"id":"2","instance_id":"peer","reason":"rules updated"}`)
	assert.True(t, ok)
	assert.Equal(t, "rules updated", msg.Reason)

	_, ok = b.decode(`not json`)
	assert.False(t, ok)
}
