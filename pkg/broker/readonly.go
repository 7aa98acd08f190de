package broker

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by mutating calls on a read-only gateway.
var ErrReadOnly = errors.New("broker: gateway is read-only (system credential)")

// ReadOnly wraps a gateway so it can sync state but never create or cancel
// orders. Used when the process runs on the shared system credential, which
// may only update orders it already owns.
func ReadOnly(gw Gateway) Gateway {
	return &readOnlyGateway{gw: gw}
}

type readOnlyGateway struct {
	gw Gateway
}

func (r *readOnlyGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return nil, ErrReadOnly
}

func (r *readOnlyGateway) CancelOrder(ctx context.Context, orderID string) error {
	return ErrReadOnly
}

func (r *readOnlyGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return r.gw.GetOrder(ctx, orderID)
}

func (r *readOnlyGateway) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	return r.gw.ListOrders(ctx, status, limit)
}

func (r *readOnlyGateway) ListPositions(ctx context.Context) ([]Position, error) {
	return r.gw.ListPositions(ctx)
}

func (r *readOnlyGateway) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return r.gw.LatestPrice(ctx, symbol)
}
