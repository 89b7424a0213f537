package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"floortrader/internal/faults"
)

// RetryingClient wraps a broker client with the transient-error backoff
// policy. Live executors use it so a flaky broker connection retries
// before the failure reaches the loop.
type RetryingClient struct {
	inner  Client
	policy faults.RetryPolicy
}

func NewRetryingClient(inner Client, policy faults.RetryPolicy) *RetryingClient {
	return &RetryingClient{inner: inner, policy: policy}
}

func (c *RetryingClient) CreateMarketOrder(ctx context.Context, instrument string, units, takeProfit, stopLoss decimal.Decimal) (Order, error) {
	var o Order
	err := c.policy.Retry(ctx, func() error {
		var err error
		o, err = c.inner.CreateMarketOrder(ctx, instrument, units, takeProfit, stopLoss)
		return err
	})
	return o, err
}

func (c *RetryingClient) ClosePosition(ctx context.Context, instrument string) (Order, error) {
	var o Order
	err := c.policy.Retry(ctx, func() error {
		var err error
		o, err = c.inner.ClosePosition(ctx, instrument)
		return err
	})
	return o, err
}
