// Package sink — клиент downstream event sink-а (внешняя система приёма событий).
// Туда уходят нормализованные конверты событий; неудача доставки — retryable,
// политику ретраев держит queue.Manager.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"fleetd/internal/models"
)

// Sink — контракт доставки одного события.
type Sink interface {
	Deliver(ctx context.Context, env models.SinkEnvelope) error
}

// HTTPSink — resty-клиент поверх HTTP-совместимого sink-а.
type HTTPSink struct {
	client *resty.Client
}

func NewHTTP(baseURL, token string, timeout time.Duration) *HTTPSink {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPSink{client: c}
}

func (s *HTTPSink) Deliver(ctx context.Context, env models.SinkEnvelope) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(env).
		Post("/events")
	if err != nil {
		return fmt.Errorf("sink delivery: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sink delivery: status %d", resp.StatusCode())
	}
	return nil
}

// Discard — заглушка для режима без настроенного sink-а: принимает всё.
type Discard struct{}

func (Discard) Deliver(context.Context, models.SinkEnvelope) error { return nil }
