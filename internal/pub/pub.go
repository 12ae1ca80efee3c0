// Package pub fans transfer lifecycle events out to downstream consumers:
// a kafka topic for other services, a redis channel for websocket pushers,
// and a short-lived redis status cache for cheap polling.
package pub

import (
	"context"
	"encoding/json"
	"time"

	"remit-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TransferEventsChannel = "transfer_events"
	statusCacheTTL        = 10 * time.Minute
)

// TransferEvent is the wire shape published on every lifecycle change.
type TransferEvent struct {
	EventType      string    `json:"event_type"`
	TransferID     string    `json:"transfer_id"`
	SourceAccount  string    `json:"source_account"`
	Recipient      string    `json:"recipient"`
	Route          string    `json:"route"`
	Status         string    `json:"status"`
	SourceAmount   string    `json:"source_amount"`
	SourceCurrency string    `json:"source_currency"`
	TargetAmount   string    `json:"target_amount"`
	TargetCurrency string    `json:"target_currency"`
	Fee            string    `json:"fee"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TransferEventPublisher implements the lifecycle controller's Events
// contract. Delivery is best effort: a broker outage is logged, never
// surfaced into the transfer lifecycle.
type TransferEventPublisher struct {
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.Logger
}

// NewTransferEventPublisher wires the publisher. writer may be nil when
// kafka is not configured; rdb may be nil in tests.
func NewTransferEventPublisher(rdb *redis.Client, writer *kafka.Writer, log *zap.Logger) *TransferEventPublisher {
	return &TransferEventPublisher{rdb: rdb, writer: writer, log: log}
}

// NewTransferTopicWriter builds the kafka writer for transfer events.
func NewTransferTopicWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
}

func statusCacheKey(transferID string) string { return "transfer:status:" + transferID }

// TransferEvent publishes one lifecycle change.
func (p *TransferEventPublisher) TransferEvent(ctx context.Context, event string, t *domain.Transfer) {
	e := &TransferEvent{
		EventType:      event,
		TransferID:     t.ID,
		SourceAccount:  t.SourceAccountID,
		Recipient:      t.RecipientIdentifier,
		Route:          string(t.Route),
		Status:         string(t.Status),
		SourceAmount:   t.SourceAmount.String(),
		SourceCurrency: t.SourceCurrency,
		TargetAmount:   t.TargetAmount.String(),
		TargetCurrency: t.TargetCurrency,
		Fee:            t.Fee.String(),
		Timestamp:      time.Now(),
	}
	if t.FailureReason != nil {
		e.FailureReason = *t.FailureReason
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Error("failed to marshal transfer event", zap.String("transfer_id", t.ID), zap.Error(err))
		return
	}

	if p.rdb != nil {
		if err := p.rdb.Publish(ctx, TransferEventsChannel, payload).Err(); err != nil {
			p.log.Warn("redis publish failed",
				zap.String("transfer_id", t.ID),
				zap.String("event", event),
				zap.Error(err),
			)
		}
		if err := p.rdb.Set(ctx, statusCacheKey(t.ID), string(t.Status), statusCacheTTL).Err(); err != nil {
			p.log.Warn("status cache write failed", zap.String("transfer_id", t.ID), zap.Error(err))
		}
	}

	if p.writer != nil {
		msg := kafka.Message{
			Key:   []byte(t.ID),
			Value: payload,
		}
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.log.Warn("kafka publish failed",
				zap.String("transfer_id", t.ID),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}

	p.log.Debug("transfer event published",
		zap.String("transfer_id", t.ID),
		zap.String("event", event),
		zap.String("status", string(t.Status)),
	)
}

// CachedStatus returns the last published status for a transfer, or ""
// when the cache has no entry. Callers fall back to the store.
func (p *TransferEventPublisher) CachedStatus(ctx context.Context, transferID string) string {
	if p.rdb == nil {
		return ""
	}
	v, err := p.rdb.Get(ctx, statusCacheKey(transferID)).Result()
	if err != nil {
		return ""
	}
	return v
}

// Close flushes the kafka writer.
func (p *TransferEventPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
