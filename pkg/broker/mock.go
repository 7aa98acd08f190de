package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Gateway for tests. Placed orders fill immediately
// unless FillStatus overrides the reported status.
type Mock struct {
	mu sync.Mutex

	PlaceCalls  int
	PlaceErr    error
	FillStatus  Status  // status reported on place; defaults to StatusAccepted
	FillPrice   float64 // filled_avg_price reported when FillStatus is filled
	orders      map[string]*Order
	positions   []Position
	prices      map[string]float64
	nextOrderID int
}

// NewMock creates a mock gateway.
func NewMock() *Mock {
	return &Mock{orders: make(map[string]*Order)}
}

func (m *Mock) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlaceCalls++
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}

	status := m.FillStatus
	if status == "" {
		status = StatusAccepted
	}
	m.nextOrderID++
	o := &Order{
		ID:            fmt.Sprintf("broker-%d", m.nextOrderID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          req.Side,
		Type:          req.Type,
		Status:        status,
		LimitPrice:    req.LimitPrice,
		SubmittedAt:   time.Now(),
		Raw:           fmt.Sprintf(`{"symbol":%q,"status":%q}`, req.Symbol, status),
	}
	if status == StatusFilled {
		o.FilledQty = req.Qty
		o.FilledAvgPrice = m.FillPrice
	}
	m.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (m *Mock) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (m *Mock) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if status != "" && status != "all" && string(o.Status) != status {
			continue
		}
		out = append(out, *o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: order %s not found", orderID)
	}
	o.Status = StatusCanceled
	return nil
}

func (m *Mock) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.positions...), nil
}

// SetOrderStatus mutates a stored order so tests can simulate broker-side
// progress between polls.
func (m *Mock) SetOrderStatus(orderID string, status Status, filledQty, filledAvgPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Status = status
		o.FilledQty = filledQty
		o.FilledAvgPrice = filledAvgPrice
	}
}

// SetPositions replaces the broker-side position list.
func (m *Mock) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

func (m *Mock) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prices[symbol]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("mock: no price for %s", symbol)
}

// SetPrice sets the last trade price reported for a symbol.
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	m.prices[symbol] = price
}

// AddOrder seeds a broker-side order that has no local counterpart.
func (m *Mock) AddOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ID] = &cp
}
