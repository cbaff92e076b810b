package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/alerting"
	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/classifier"
	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/processor"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/internal/server"
	"github.com/Aidin1998/tradesentry/internal/store"
	"github.com/Aidin1998/tradesentry/pkg/logger"
	"github.com/Aidin1998/tradesentry/pkg/tracing"
	"github.com/Aidin1998/tradesentry/pkg/validation"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search ., ./config, /etc/tradesentry)")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "tradesentry-riskprocessor", cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	st, err := store.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open trade store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(ctx, cfg.Processor.NotifyChannel); err != nil {
		zapLogger.Fatal("Failed to migrate trade store", zap.Error(err))
	}

	// The model is frozen for the life of the process.
	model, err := anomaly.Load(cfg.Model.Path)
	if err != nil {
		zapLogger.Fatal("Failed to load anomaly model", zap.String("path", cfg.Model.Path), zap.Error(err))
	}

	var source refdata.Source = refdata.NewDBSource(st.DB())
	if cfg.RefData.Source == "file" {
		source = refdata.FileSource{Path: cfg.RefData.SeedFile}
	}
	holder, err := refdata.NewHolder(ctx, source, model, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to load reference data", zap.Error(err))
	}

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		zapLogger.Fatal("Invalid classifier configuration", zap.Error(err))
	}
	assessor := scoring.NewAssessor(cls, validation.NewValidator(zapLogger))

	var publisher alerting.Publisher = alerting.Noop{}
	if cfg.Alerts.Kafka.Enabled {
		publisher = alerting.NewKafkaPublisher(cfg.Alerts.Kafka, cfg.Processor.WorkerID, zapLogger)
	}
	defer publisher.Close()

	var wg sync.WaitGroup
	reload := func(reason string) {
		reloadCtx, cancel := context.WithTimeout(ctx, cfg.Processor.StoreTimeout*4)
		defer cancel()
		if _, err := holder.Reload(reloadCtx); err != nil {
			zapLogger.Error("Reference data reload failed", zap.String("trigger", reason), zap.Error(err))
			return
		}
		zapLogger.Info("Reference data reloaded", zap.String("trigger", reason))
	}

	// SIGHUP reloads reference data.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload("sighup")
			}
		}
	}()

	if cfg.Reload.WatchConfig && loader.ConfigFileUsed() != "" {
		loader.Watch(func(next *config.Config) {
			// Thresholds and weights apply from the next assessment; other
			// settings still need a restart.
			if next.Classifier != assessor.Classifier().Config() {
				cls, err := classifier.New(next.Classifier)
				if err != nil {
					zapLogger.Warn("Ignoring invalid classifier change", zap.Error(err))
				} else {
					assessor.SetClassifier(cls)
					zapLogger.Info("Classifier thresholds updated",
						zap.Float64("strong_anomaly_threshold", next.Classifier.StrongAnomalyThreshold),
						zap.Float64("mild_anomaly_threshold", next.Classifier.MildAnomalyThreshold),
						zap.Float64("rule_weight", next.Classifier.RuleWeight),
						zap.Float64("anomaly_weight", next.Classifier.AnomalyWeight),
						zap.String("classifier_version", cls.Version()))
				}
			}
			reload("config change")
		}, func(err error) {
			zapLogger.Warn("Ignoring invalid configuration change", zap.Error(err))
		})
	}

	var notifier server.Notifier
	if cfg.Reload.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Reload.Redis.Addr,
			Password: cfg.Reload.Redis.Password,
			DB:       cfg.Reload.Redis.DB,
		})
		defer rdb.Close()

		broadcaster := refdata.NewBroadcaster(rdb, cfg.Reload.Redis.Channel, cfg.Processor.WorkerID, zapLogger)
		notifier = broadcaster
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broadcaster.Listen(ctx, func(msg refdata.ReloadMessage) {
				reload("peer " + msg.InstanceID)
			}); err != nil {
				zapLogger.Error("Reload listener stopped", zap.Error(err))
			}
		}()
	}

	// Schedule DB pool metrics collection every 30s
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			st.ReportPoolStats()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var opts []processor.Option
	opts = append(opts, processor.WithPublisher(publisher))
	if cfg.Database.Driver == store.DriverPostgres && cfg.Processor.NotifyChannel != "" {
		opts = append(opts, processor.WithWakeup(store.Listen(ctx, cfg.Database.DSN, cfg.Processor.NotifyChannel, zapLogger)))
	}

	proc, err := processor.New(cfg.Processor, st, holder, assessor, zapLogger, opts...)
	if err != nil {
		zapLogger.Fatal("Failed to create processor", zap.Error(err))
	}
	defer proc.Close()

	if cfg.Server.Enabled {
		auth, err := server.NewAuthenticator(cfg.Server.Auth)
		if err != nil {
			zapLogger.Fatal("Ops API needs a token secret; set TRADESENTRY_SERVER_AUTH_SECRET or disable the server", zap.Error(err))
		}
		srv := server.NewServer(zapLogger, st, holder, assessor, notifier, auth)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, cfg.Server.Addr, cfg.Processor.ShutdownTimeout); err != nil {
				zapLogger.Error("Ops API stopped", zap.Error(err))
				stop()
			}
		}()
	}

	zapLogger.Info("Risk processor started",
		zap.String("worker_id", cfg.Processor.WorkerID),
		zap.String("driver", cfg.Database.Driver),
		zap.String("ruleset_version", assessor.PolicyVersion(holder.Current())),
		zap.String("model_version", holder.Current().ModelVersion()))

	if err := proc.Run(ctx); err != nil {
		zapLogger.Error("Processor stopped with error", zap.Error(err))
	}

	zapLogger.Info("Shutting down...")
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		zapLogger.Warn("Failed to flush traces", zap.Error(err))
	}
	zapLogger.Info("Risk processor exited properly")
}
