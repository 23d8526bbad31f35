package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/clock"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// Writer is the subset of *kafkago.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher implements app.Notifier over a Kafka topic.
type Publisher struct {
	writer Writer
	clock  clock.Clock
	logger *zap.Logger
}

func NewPublisher(writer Writer, clk clock.Clock, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, clock: clk, logger: logger}
}

// NewWriter builds a writer that keys messages onto partitions by hash.
func NewWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
}

func (p *Publisher) SettlementExhausted(ctx context.Context, rec domain.SharingRecord) error {
	return p.publish(ctx, rec.MerchantID, Notification{
		Type:       SettlementExhausted,
		MerchantID: rec.MerchantID,
		SharingID:  rec.ID,
		Amount:     rec.Amount,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
		OccurredAt: p.clock.Now(),
	})
}

func (p *Publisher) VoucherExpiring(ctx context.Context, v domain.Voucher) error {
	return p.publish(ctx, v.UserID, Notification{
		Type:       VoucherExpiring,
		MerchantID: v.MerchantID,
		UserID:     v.UserID,
		VoucherID:  v.ID,
		ExpiresAt:  v.ExpiresAt,
		OccurredAt: p.clock.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode %s: %w", n.Type, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafkago.Header, 0, len(carrier)+1)
	headers = append(headers, kafkago.Header{Key: "event_type", Value: []byte(n.Type)})
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	msg := kafkago.Message{Key: []byte(key), Value: payload, Headers: headers}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.Type, err)
	}
	p.logger.Debug("notification published", zap.String("type", n.Type), zap.String("key", key))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
