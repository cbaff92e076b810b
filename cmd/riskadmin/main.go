// Command riskadmin is the operator tool for the risk engine: schema setup,
// reference data seeding, trade ingest, failed trade and alert triage, and
// what-if stress runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/classifier"
	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/ingest"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/internal/server"
	"github.com/Aidin1998/tradesentry/internal/store"
	"github.com/Aidin1998/tradesentry/internal/stress"
	"github.com/Aidin1998/tradesentry/pkg/logger"
	"github.com/Aidin1998/tradesentry/pkg/validation"
)

const usage = `usage: riskadmin [-config path] <command> [flags]

commands:
  migrate    create or update the schema
  seed       load reference data from a YAML seed file
  ingest     insert trades from a JSON file
  failed     list FAILED trades
  alerts     list alerts, or acknowledge/dismiss one
  stress     run a what-if scenario over recent trades
  reload     ask running processors to reload reference data
  token      sign an operator token for the ops API
`

type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"migrate": runMigrate,
	"seed":    runSeed,
	"ingest":  runIngest,
	"failed":  runFailed,
	"alerts":  runAlerts,
	"stress":  runStress,
	"reload":  runReload,
	"token":   runToken,
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zapLogger, err := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Stderr: true})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open trade store", zap.Error(err))
	}
	defer st.Close()

	e := &env{cfg: cfg, logger: zapLogger, store: st}
	if err := cmd(ctx, e, flag.Args()[1:]); err != nil {
		zapLogger.Error("Command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		st.Close()
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)
	if err := e.store.Migrate(ctx, e.cfg.Processor.NotifyChannel); err != nil {
		return err
	}
	e.logger.Info("Schema is up to date", zap.String("driver", e.store.Driver()))
	return nil
}

func runSeed(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", e.cfg.RefData.SeedFile, "reference data seed file")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("no seed file given")
	}

	data, err := refdata.LoadSeedFile(*file)
	if err != nil {
		return err
	}
	if err := refdata.Apply(ctx, e.store.DB(), data); err != nil {
		return err
	}
	e.logger.Info("Reference data seeded",
		zap.String("file", *file),
		zap.Int("counterparties", len(data.Counterparties)),
		zap.Int("sanctions", len(data.Sanctions)),
		zap.Int("rules", len(data.Rules)),
		zap.Int("instruments", len(data.Instruments)),
		zap.Int("fx_rates", len(data.FXRates)))
	return nil
}

func runIngest(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "JSON array of trades")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("no trade file given")
	}

	trades, err := ingest.DecodeFile(*file)
	if err != nil {
		return err
	}
	if err := e.store.InsertTrades(ctx, trades); err != nil {
		return err
	}
	e.logger.Info("Trades ingested", zap.String("file", *file), zap.Int("count", len(trades)))
	return nil
}

func runFailed(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum trades to list")
	fs.Parse(args)

	trades, err := e.store.ListFailed(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(trades)
}

func runAlerts(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	status := fs.String("status", "OPEN", "filter by status; empty for all")
	severity := fs.String("severity", "", "filter by severity")
	limit := fs.Int("limit", 50, "maximum alerts to list")
	ack := fs.String("ack", "", "acknowledge the alert with this id")
	dismiss := fs.String("dismiss", "", "dismiss the alert with this id")
	operator := fs.String("operator", os.Getenv("USER"), "operator recorded on status changes")
	fs.Parse(args)

	var (
		target string
		next   models.AlertStatus
	)
	switch {
	case *ack != "" && *dismiss != "":
		return fmt.Errorf("-ack and -dismiss are mutually exclusive")
	case *ack != "":
		target, next = *ack, models.AlertAcknowledged
	case *dismiss != "":
		target, next = *dismiss, models.AlertDismissed
	}

	if target != "" {
		id, err := uuid.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", target, err)
		}
		alert, err := e.store.UpdateAlertStatus(ctx, id, next, *operator)
		if err != nil {
			return err
		}
		return printJSON(alert)
	}

	alerts, err := e.store.ListAlerts(ctx, store.AlertFilter{
		Status:   models.AlertStatus(*status),
		Severity: models.AlertSeverity(*severity),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(alerts)
}

func runStress(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	name := fs.String("scenario", "", "preset scenario: mild, bear, crisis or rally")
	fxShock := fs.Float64("fx", 0, "custom FX shock in percent")
	priceShock := fs.Float64("price", 0, "custom price shock in percent")
	limit := fs.Int("limit", 500, "number of most recent trades to stress")
	fs.Parse(args)

	sc := stress.Scenario{
		Name:       "custom",
		FXShock:    decimal.NewFromFloat(*fxShock),
		PriceShock: decimal.NewFromFloat(*priceShock),
	}
	if *name != "" {
		preset, ok := stress.Preset(*name)
		if !ok {
			return fmt.Errorf("unknown scenario %q", *name)
		}
		sc = preset
	}

	model, err := anomaly.Load(e.cfg.Model.Path)
	if err != nil {
		return err
	}
	data, err := refdata.NewDBSource(e.store.DB()).Load(ctx)
	if err != nil {
		return err
	}
	snap, err := refdata.Build(data, model, time.Now().UTC())
	if err != nil {
		return err
	}
	cls, err := classifier.New(e.cfg.Classifier)
	if err != nil {
		return err
	}
	trades, err := e.store.RecentTrades(ctx, *limit)
	if err != nil {
		return err
	}

	res, err := stress.Run(scoring.NewAssessor(cls, validation.NewValidator(e.logger)), snap, trades, sc)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runReload(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	reason := fs.String("reason", "operator request", "reason recorded with the reload")
	fs.Parse(args)

	rc := e.cfg.Reload.Redis
	if !rc.Enabled {
		return fmt.Errorf("reload broadcast is disabled; send SIGHUP to each processor instead")
	}
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	defer rdb.Close()

	host, _ := os.Hostname()
	b := refdata.NewBroadcaster(rdb, rc.Channel, "riskadmin@"+host, e.logger)
	return b.Publish(ctx, *reason)
}

func runToken(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	operator := fs.String("operator", "", "operator name carried in the token")
	ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
	fs.Parse(args)

	auth, err := server.NewAuthenticator(e.cfg.Server.Auth)
	if err != nil {
		return err
	}
	token, err := auth.Issue(*operator, *ttl)
	if err != nil {
		return err
	}
	e.logger.Info("Operator token issued", zap.String("operator", *operator), zap.Duration("ttl", *ttl))
	fmt.Println(token)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
