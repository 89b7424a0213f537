package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"floortrader/internal/faults"
)

// Order is the broker's acknowledgement of a submitted market order.
type Order struct {
	ID         string
	Instrument string
	Units      decimal.Decimal
	FillPrice  decimal.Decimal
	FilledAt   time.Time
}

// Client is the external broker collaborator. Positive units buy,
// negative units sell. Take-profit and stop-loss prices are optional
// (zero disables them).
type Client interface {
	CreateMarketOrder(ctx context.Context, instrument string, units, takeProfit, stopLoss decimal.Decimal) (Order, error)

	// ClosePosition flattens the net position for the instrument and
	// returns the closing order confirmation.
	ClosePosition(ctx context.Context, instrument string) (Order, error)
}

// SimulatedClient fills every order instantly at the last quoted price.
// Backtests and tests use it in place of a real broker connection.
type SimulatedClient struct {
	mu        sync.Mutex
	lastPrice map[string]decimal.Decimal
	netUnits  map[string]decimal.Decimal
	orders    []Order
}

func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		lastPrice: make(map[string]decimal.Decimal),
		netUnits:  make(map[string]decimal.Decimal),
	}
}

// Quote feeds the simulator the current price for an instrument.
func (c *SimulatedClient) Quote(instrument string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPrice[instrument] = price
}

func (c *SimulatedClient) CreateMarketOrder(_ context.Context, instrument string, units, _, _ decimal.Decimal) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, ok := c.lastPrice[instrument]
	if !ok {
		return Order{}, faults.Businessf("no quote for %s", instrument)
	}
	o := Order{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Units:      units,
		FillPrice:  price,
		FilledAt:   time.Now().UTC(),
	}
	c.netUnits[instrument] = c.netUnits[instrument].Add(units)
	c.orders = append(c.orders, o)
	return o, nil
}

func (c *SimulatedClient) ClosePosition(_ context.Context, instrument string) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, ok := c.lastPrice[instrument]
	if !ok {
		return Order{}, faults.Businessf("no quote for %s", instrument)
	}
	net := c.netUnits[instrument]
	o := Order{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Units:      net.Neg(),
		FillPrice:  price,
		FilledAt:   time.Now().UTC(),
	}
	c.netUnits[instrument] = decimal.Zero
	c.orders = append(c.orders, o)
	return o, nil
}

// Orders returns every order the simulator has filled, in order.
func (c *SimulatedClient) Orders() []Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Order(nil), c.orders...)
}

// NetUnits returns the simulator's net position for the instrument.
func (c *SimulatedClient) NetUnits(instrument string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netUnits[instrument]
}
