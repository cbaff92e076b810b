// Package alerting fans committed alerts out to downstream consumers. The
// database row is the source of truth; publishing is best effort and happens
// only after the decision transaction has committed.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/pkg/metrics"
)

// MessageType identifies the event carried by a message
type MessageType string

const MsgAlertRaised MessageType = "alert.raised"

const schemaVersion = "1"

// AlertMessage is the payload written for every committed alert
type AlertMessage struct {
	MessageID      string                `json:"message_id"`
	Type           MessageType           `json:"type"`
	Timestamp      time.Time             `json:"timestamp"`
	Version        string                `json:"version"`
	Source         string                `json:"source"`
	AlertID        uuid.UUID             `json:"alert_id"`
	TradeID        int64                 `json:"trade_id"`
	RiskScoreID    uuid.UUID             `json:"risk_score_id"`
	Classification models.Classification `json:"classification"`
	Severity       models.AlertSeverity  `json:"severity"`
	Score          float64               `json:"score"`
	RuleID         *int64                `json:"rule_id,omitempty"`
	Summary        string                `json:"summary"`
}

// Publisher hands committed alerts to an external sink.
type Publisher interface {
	Publish(ctx context.Context, score *models.RiskScore, alert *models.Alert) error
	Close() error
}

// Writer is the subset of *kafka.Writer used here.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes alerts to a topic keyed by trade id so that all
// messages about one trade land on one partition.
type KafkaPublisher struct {
	writer  Writer
	source  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaPublisher builds a synchronous writer from configuration.
func NewKafkaPublisher(cfg config.KafkaConfig, source string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  3,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "snappy":
		w.Compression = kafka.Snappy
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	}
	return NewPublisherWithWriter(w, source, cfg.WriteTimeout, logger)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w Writer, source string, timeout time.Duration, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, source: source, timeout: timeout, logger: logger.Named("alerting")}
}

// Publish writes one alert message.
func (p *KafkaPublisher) Publish(ctx context.Context, score *models.RiskScore, alert *models.Alert) error {
	msg := NewAlertMessage(p.source, score, alert)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(alert.TradeID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(MsgAlertRaised)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
		Time: msg.Timestamp,
	})
	if err != nil {
		metrics.AlertsPublished.WithLabelValues("error").Inc()
		p.logger.Warn("failed to publish alert",
			zap.Int64("trade_id", alert.TradeID), zap.Stringer("alert_id", alert.ID), zap.Error(err))
		return err
	}
	metrics.AlertsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NewAlertMessage builds the wire payload for an alert.
func NewAlertMessage(source string, score *models.RiskScore, alert *models.Alert) AlertMessage {
	return AlertMessage{
		MessageID:      uuid.NewString(),
		Type:           MsgAlertRaised,
		Timestamp:      time.Now().UTC(),
		Version:        schemaVersion,
		Source:         source,
		AlertID:        alert.ID,
		TradeID:        alert.TradeID,
		RiskScoreID:    alert.RiskScoreID,
		Classification: alert.Classification,
		Severity:       alert.Severity,
		Score:          score.Score,
		RuleID:         alert.RuleID,
		Summary:        alert.Summary,
	}
}

// Noop discards alerts. It is used when no sink is configured.
type Noop struct{}

func (Noop) Publish(context.Context, *models.RiskScore, *models.Alert) error { return nil }

func (Noop) Close() error { return nil }
