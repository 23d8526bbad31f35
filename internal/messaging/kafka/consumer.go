package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/app"
	"github.com/konglingbo75-cloud/wsh-coupon-sub001/internal/domain"
)

// Reader is the subset of *kafkago.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// PaymentHandler is satisfied by app.OrderService.
type PaymentHandler interface {
	ConfirmPayment(ctx context.Context, evt app.PaymentConfirmed) (app.PaymentResult, error)
	Refund(ctx context.Context, orderID string) (app.Transition, error)
}

// PaymentConsumer applies payment events at least once: an offset is committed
// only after its event was applied or rejected as a business error.
type PaymentConsumer struct {
	reader  Reader
	handler PaymentHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	maxRetries   uint64
	initialDelay time.Duration
}

type ConsumerOption func(*PaymentConsumer)

// WithRetry bounds the retries of a transient failure before Run gives up.
func WithRetry(maxRetries uint64, initialDelay time.Duration) ConsumerOption {
	return func(c *PaymentConsumer) {
		c.maxRetries = maxRetries
		if initialDelay > 0 {
			c.initialDelay = initialDelay
		}
	}
}

func NewPaymentConsumer(reader Reader, handler PaymentHandler, logger *zap.Logger, opts ...ConsumerOption) *PaymentConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &PaymentConsumer{
		reader:       reader,
		handler:      handler,
		logger:       logger,
		tracer:       otel.Tracer("messaging/kafka"),
		maxRetries:   5,
		initialDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReader builds a consumer-group reader with manual commits.
func NewReader(brokers []string, topic, groupID string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Run consumes until ctx is cancelled. A transient failure that outlasts the
// retry budget stops the consumer without committing, so the event is
// redelivered after restart.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch payment event: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit payment event: %w", err)
		}
	}
}

func (c *PaymentConsumer) Close() error {
	return c.reader.Close()
}

func (c *PaymentConsumer) process(ctx context.Context, msg kafkago.Message) error {
	msgCtx := extractTraceContext(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "payment.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	var evt PaymentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.logger.Error("malformed payment event dropped",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("raw_value", msg.Value),
			zap.Error(err),
		)
		span.SetStatus(codes.Error, "malformed event")
		return nil
	}
	span.SetAttributes(attribute.String("order_id", evt.OrderID), attribute.String("event_type", evt.Type))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), msgCtx)

	err := backoff.RetryNotify(func() error {
		err := c.apply(msgCtx, evt)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("payment event retry",
			zap.String("order_id", evt.OrderID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case !transient(err):
		// Replaying a rejected event can never succeed; record it and move on.
		c.logger.Warn("payment event rejected",
			zap.String("order_id", evt.OrderID),
			zap.String("type", evt.Type),
			zap.String("kind", domain.Kind(err)),
			zap.Error(err),
		)
		span.SetStatus(codes.Error, domain.Kind(err))
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "retries exhausted")
		return fmt.Errorf("apply payment event for order %s: %w", evt.OrderID, err)
	}
}

var errUnknownEventType = errors.New("unknown payment event type")

func (c *PaymentConsumer) apply(ctx context.Context, evt PaymentEvent) error {
	switch evt.Type {
	case PaymentConfirmed:
		res, err := c.handler.ConfirmPayment(ctx, app.PaymentConfirmed{OrderID: evt.OrderID, Amount: evt.Amount, PaidAt: evt.PaidAt})
		if err != nil {
			return err
		}
		c.logger.Info("payment confirmed",
			zap.String("order_id", evt.OrderID),
			zap.Bool("changed", res.Changed),
			zap.Int("vouchers", len(res.Vouchers)),
			zap.Bool("refunded", res.Refunded),
		)
		return nil
	case PaymentRefunded:
		res, err := c.handler.Refund(ctx, evt.OrderID)
		if err != nil {
			return err
		}
		c.logger.Info("payment refunded", zap.String("order_id", evt.OrderID), zap.Bool("changed", res.Changed))
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownEventType, evt.Type)
	}
}

// transient reports whether retrying err could succeed.
func transient(err error) bool {
	if errors.Is(err, errUnknownEventType) {
		return false
	}
	switch domain.Kind(err) {
	case domain.KindInternal, domain.KindTimeout:
		return true
	default:
		return false
	}
}

func extractTraceContext(ctx context.Context, headers []kafkago.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
