// Package telemetry wires OpenTelemetry counters for the LLM transport
// stack. The default global meter provider is a no-op unless the embedding
// process installs one.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/dawei-ai/dawei"

// Metrics holds the transport-stack instruments.
type Metrics struct {
	Requests    metric.Int64Counter
	Failures    metric.Int64Counter
	RateLimited metric.Int64Counter
	Tokens      metric.Int64Counter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(scope)

	m := &Metrics{}
	var err error

	if m.Requests, err = meter.Int64Counter("dawei.llm.requests",
		metric.WithDescription("LLM requests attempted")); err != nil {
		return nil, err
	}
	if m.Failures, err = meter.Int64Counter("dawei.llm.failures",
		metric.WithDescription("LLM requests that failed after retries")); err != nil {
		return nil, err
	}
	if m.RateLimited, err = meter.Int64Counter("dawei.llm.rate_limited",
		metric.WithDescription("Provider 429 responses")); err != nil {
		return nil, err
	}
	if m.Tokens, err = meter.Int64Counter("dawei.llm.tokens",
		metric.WithDescription("Total tokens consumed")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest counts one attempt against a provider.
func (m *Metrics) RecordRequest(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFailure counts one terminal failure.
func (m *Metrics) RecordFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordRateLimited counts one provider 429.
func (m *Metrics) RecordRateLimited(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTokens adds total token usage for one completed call.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, total int) {
	if m == nil || total <= 0 {
		return
	}
	m.Tokens.Add(ctx, int64(total), metric.WithAttributes(attribute.String("provider", provider)))
}

// RegisterQueueGauge exposes the in-flight request count as an observable
// gauge backed by the given sampler.
func RegisterQueueGauge(sample func() int64) error {
	meter := otel.Meter(scope)
	gauge, err := meter.Int64ObservableGauge("dawei.llm.active_requests",
		metric.WithDescription("Requests currently executing"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, sample())
		return nil
	}, gauge)
	return err
}
