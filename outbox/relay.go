package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/metrics"
)

// Queue hands out messages to publish and records the outcome.
type Queue interface {
	Claim(ctx context.Context, limit int) ([]Message, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, retryAfter time.Duration, maxAttempts int) error
}

// Producer delivers a message to the broker.
type Producer interface {
	Publish(ctx context.Context, m Message) error
}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	RetryAfter   time.Duration
	MaxAttempts  int
}

// Relay moves outbox messages to the broker. Delivery is at least once:
// a message acked after a crash may be published again.
type Relay struct {
	queue    Queue
	producer Producer
	cfg      RelayConfig
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewRelay(queue Queue, producer Producer, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{queue: queue, producer: producer, cfg: cfg, log: zap.NewNop().Sugar()}
}

func (r *Relay) WithLogger(log *zap.SugaredLogger) *Relay {
	r.log = log
	return r
}

func (r *Relay) WithMetrics(m *metrics.Metrics) *Relay {
	r.metrics = m
	return r
}

// Run publishes until ctx is cancelled. A full batch is followed
// immediately by the next one.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := r.Flush(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warnw("outbox flush failed", "error", err)
		}
		if n >= r.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush claims one batch and publishes it, returning how many messages were
// claimed.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	messages, err := r.queue.Claim(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var errs error
	for _, m := range messages {
		perr := r.producer.Publish(ctx, m)
		r.metrics.ObservePublish(perr)
		if perr == nil {
			errs = errors.Join(errs, r.queue.Ack(ctx, m.ID))
			continue
		}
		r.log.Warnw("publish failed", "message_id", m.ID, "topic", m.Topic, "attempts", m.Attempts, "error", perr)
		if m.Attempts >= r.cfg.MaxAttempts {
			r.log.Errorw("giving up on message", "message_id", m.ID, "topic", m.Topic)
		}
		errs = errors.Join(errs, r.queue.Fail(ctx, m.ID, perr, r.cfg.RetryAfter, r.cfg.MaxAttempts))
	}
	return len(messages), errs
}
