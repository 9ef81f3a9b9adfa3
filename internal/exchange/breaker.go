package exchange

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient decorates a Client with a circuit breaker and bounded
// retries (§5 API_MAX_RETRIES), grounded on the donor pack's
// sawpanic-cryptorun CircuitBreakerManager — generalized from its
// provider-keyed map of breakers to a single breaker per exchange client
// instance, since this engine talks to exactly one exchange.
type BreakerClient struct {
	next       Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
}

// NewBreakerClient wraps next with a breaker that trips after 5
// consecutive failures and probes again after timeout.
func NewBreakerClient(next Client, name string, timeout time.Duration, maxRetries int) *BreakerClient {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &BreakerClient{
		next:       next,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxRetries: maxRetries,
	}
}

func execute[T any](c *BreakerClient, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var raw interface{}
		raw, err = c.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		if err == nil {
			return raw.(T), nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
	}
	return result, err
}

func (c *BreakerClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execute(c, func() (string, error) { return c.next.SubmitOrder(ctx, req) })
}

func (c *BreakerClient) CancelOrder(ctx context.Context, oid string) error {
	_, err := execute(c, func() (struct{}, error) { return struct{}{}, c.next.CancelOrder(ctx, oid) })
	return err
}

func (c *BreakerClient) PlaceAlgo(ctx context.Context, cloid, trigger, side string, size float64) (string, error) {
	return execute(c, func() (string, error) { return c.next.PlaceAlgo(ctx, cloid, trigger, side, size) })
}

func (c *BreakerClient) CancelAlgo(ctx context.Context, cloid string) error {
	_, err := execute(c, func() (struct{}, error) { return struct{}{}, c.next.CancelAlgo(ctx, cloid) })
	return err
}

func (c *BreakerClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	_, err := execute(c, func() (struct{}, error) { return struct{}{}, c.next.SetLeverage(ctx, symbol, leverage) })
	return err
}
