// Package publish emits processed ledger events to NATS for downstream
// consumers. Publishing happens after the mutation is persisted and is
// non-fatal: a failed publish is logged and counted, never rolled into the
// caller's result.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PotLedger/internal/event"
	"PotLedger/internal/observability"
)

// Publisher publishes outbound events to pot.ledger.events.{type}.
// A nil Publisher is valid and drops everything, so wiring NATS stays
// optional.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, log: log, metrics: metrics}
}

// Publish sends one outbound event. Safe on a nil receiver.
func (p *Publisher) Publish(ctx context.Context, evt event.Outbound) {
	if p == nil || p.js == nil {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", string(evt.Type)).Msg("marshal outbound event")
		return
	}

	subject := fmt.Sprintf("pot.ledger.events.%s", evt.Type)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed")
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.PublishTotal.WithLabelValues(string(evt.Type)).Inc()
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "POT_LEDGER_EVENTS",
		Subjects:  []string{"pot.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
