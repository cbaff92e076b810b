package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReloadMessage is published when an operator asks every instance to reload
type ReloadMessage struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Broadcaster fans reload requests out to other processor instances over
// Redis pub/sub.
type Broadcaster struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.Logger
}

// NewBroadcaster creates a broadcaster. instanceID identifies this process so
// it can ignore its own messages.
func NewBroadcaster(rdb redis.UniversalClient, channel, instanceID string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		rdb:        rdb,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.Named("refdata-broadcast"),
	}
}

// Publish asks every other instance to reload.
func (b *Broadcaster) Publish(ctx context.Context, reason string) error {
	msg := ReloadMessage{
		ID:         uuid.NewString(),
		InstanceID: b.instanceID,
		Reason:     reason,
		SentAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish reload request: %w", err)
	}
	return nil
}

// Listen invokes onReload for every reload request sent by another instance
// until ctx is cancelled.
func (b *Broadcaster) Listen(ctx context.Context, onReload func(ReloadMessage)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("Listening for reload requests", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, accept := b.decode(m.Payload)
			if accept {
				onReload(msg)
			}
		}
	}
}

func (b *Broadcaster) decode(payload string) (ReloadMessage, bool) {
	var msg ReloadMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("Ignoring malformed reload request", zap.Error(err))
		return msg, false
	}
	if msg.InstanceID == b.instanceID {
		return msg, false
	}
	b.logger.Info("Reload requested by peer",
		zap.String("peer", msg.InstanceID),
		zap.String("request_id", msg.ID),
		zap.String("reason", msg.Reason),
	)
	return msg, true
}
