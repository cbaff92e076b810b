package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Listen subscribes to a postgres NOTIFY channel on a dedicated connection
// and signals the returned channel whenever a notification arrives. Signals
// coalesce: a pending wake-up is never duplicated. The connection is
// re-established with backoff until ctx is cancelled, at which point the
// channel is closed.
func Listen(ctx context.Context, dsn, channel string, logger *zap.Logger) <-chan struct{} {
	wake := make(chan struct{}, 1)
	log := logger.Named("listen").With(zap.String("channel", channel))

	go func() {
		defer close(wake)

		policy := backoff.NewExponentialBackOff()
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0

		for ctx.Err() == nil {
			err := listenOnce(ctx, dsn, channel, wake, policy.Reset)
			if ctx.Err() != nil {
				return
			}
			delay := policy.NextBackOff()
			log.Warn("notification listener disconnected", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
	return wake
}

func listenOnce(ctx context.Context, dsn, channel string, wake chan<- struct{}, connected func()) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	connected()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
