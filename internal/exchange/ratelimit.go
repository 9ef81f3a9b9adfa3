package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedClient decorates a Client with the token-bucket and
// minimum-spacing policy from §5: "token-bucket: 10 requests per 2s,
// minimum 0.2s spacing", grounded on the donor pack's per-host
// golang.org/x/time/rate limiter (sawpanic-cryptorun's internal/net/ratelimit).
type RateLimitedClient struct {
	next        Client
	limiter     *rate.Limiter
	minInterval time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewRateLimitedClient wraps next with a limiter allowing burst requests
// per window and a minimum spacing floor between any two requests.
func NewRateLimitedClient(next Client, requestsPerWindow int, window, minInterval time.Duration) *RateLimitedClient {
	if requestsPerWindow <= 0 {
		requestsPerWindow = 10
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	rps := float64(requestsPerWindow) / window.Seconds()
	return &RateLimitedClient{
		next:        next,
		limiter:     rate.NewLimiter(rate.Limit(rps), requestsPerWindow),
		minInterval: minInterval,
	}
}

func (c *RateLimitedClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.minInterval <= 0 {
		return nil
	}
	if elapsed := time.Since(c.lastCall); elapsed < c.minInterval {
		select {
		case <-time.After(c.minInterval - elapsed):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.lastCall = time.Now()
	return nil
}

func (c *RateLimitedClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return c.next.SubmitOrder(ctx, req)
}

func (c *RateLimitedClient) CancelOrder(ctx context.Context, oid string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.CancelOrder(ctx, oid)
}

func (c *RateLimitedClient) PlaceAlgo(ctx context.Context, cloid, trigger, side string, size float64) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return c.next.PlaceAlgo(ctx, cloid, trigger, side, size)
}

func (c *RateLimitedClient) CancelAlgo(ctx context.Context, cloid string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.CancelAlgo(ctx, cloid)
}

func (c *RateLimitedClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.SetLeverage(ctx, symbol, leverage)
}
