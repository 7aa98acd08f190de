// Package submit is the order submission service: it validates trade intents,
// collapses duplicate submissions onto the existing order, places new orders
// at the broker, and persists the order plus its first audit entry as one
// logical unit.
package submit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-trader/internal/audit"
	"signal-trader/internal/events"
	"signal-trader/internal/idempotency"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/monitor"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/broker/alpaca"
	"signal-trader/pkg/db"
)

// ValidationError rejects an intent before any broker call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// PersistError means the broker accepted the trade but the local write failed.
// The trade has executed and must not be treated as if it never happened; the
// sync job will rediscover the broker-side order and self-heal.
type PersistError struct {
	BrokerOrderID string
	Err           error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("order placed at broker (%s) but local persistence failed: %v", e.BrokerOrderID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Intent is a validated trade request.
type Intent struct {
	AccountID  string
	Ticker     string
	Side       string // buy or sell
	Qty        float64
	OrderType  string // market (default) or limit
	LimitPrice float64
	SignalID   string
	ExitReason string // set on risk-exit sells
	Actor      string // recorded on audit and lifecycle rows
}

// Result is the outcome of a Submit call.
type Result struct {
	Order     db.Order
	Duplicate bool
}

// ItemResult is one entry of a batch submission.
type ItemResult struct {
	Ticker    string `json:"ticker"`
	OrderID   string `json:"order_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Service submits orders idempotently.
type Service struct {
	DB        *db.Database
	Gateway   broker.Gateway
	Recorder  *audit.Recorder
	Lifecycle *lifecycle.Tracker
	Bus       *events.Bus

	// BatchDelay paces sequential broker calls in SubmitBatch.
	BatchDelay time.Duration

	// Now is a clock hook for tests; nil means time.Now.
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

func NewService(database *db.Database, gw broker.Gateway, rec *audit.Recorder, lc *lifecycle.Tracker, bus *events.Bus, batchDelay time.Duration) *Service {
	return &Service{
		DB:         database,
		Gateway:    gw,
		Recorder:   rec,
		Lifecycle:  lc,
		Bus:        bus,
		BatchDelay: batchDelay,
		locks:      make(map[string]*keyLock),
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey serializes check-place-persist per lookup key. Two concurrent
// submissions of the same logical intent take turns; the second one then
// finds the first one's order in the duplicate lookup.
func (s *Service) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func validate(in Intent) error {
	if strings.TrimSpace(in.Ticker) == "" {
		return &ValidationError{Field: "ticker", Msg: "required"}
	}
	if in.Side != string(broker.SideBuy) && in.Side != string(broker.SideSell) {
		return &ValidationError{Field: "side", Msg: "must be buy or sell"}
	}
	if in.Qty <= 0 {
		return &ValidationError{Field: "qty", Msg: "must be positive"}
	}
	if in.OrderType == string(broker.OrderTypeLimit) && in.LimitPrice <= 0 {
		return &ValidationError{Field: "limit_price", Msg: "required for limit orders"}
	}
	return nil
}

// Submit places one order. A second call with the same logical intent inside
// the same time bucket returns the first call's order with Duplicate=true and
// makes no broker call.
func (s *Service) Submit(ctx context.Context, in Intent) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	if in.OrderType == "" {
		in.OrderType = string(broker.OrderTypeMarket)
	}
	ticker := strings.ToUpper(in.Ticker)

	lookupKey := idempotency.LookupKey(in.AccountID, ticker, in.Side, in.Qty, in.SignalID, s.now())
	unlock := s.lockKey(lookupKey)
	defer unlock()

	existing, err := s.DB.GetOrderByLookupKey(ctx, lookupKey)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		monitor.OrdersDuplicate.Inc()
		if s.Bus != nil {
			s.Bus.Publish(events.EventOrderDuplicate, existing.ID)
		}
		log.Printf("submit: duplicate intent for %s collapsed onto order %s", ticker, existing.ID)
		return &Result{Order: *existing, Duplicate: true}, nil
	}

	// The storage key doubles as the broker client_order_id, so a timed-out
	// submission can later be matched against the broker's records.
	storageKey := idempotency.StorageKey(lookupKey)

	placed, err := s.Gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:        ticker,
		Qty:           in.Qty,
		Side:          broker.Side(in.Side),
		Type:          broker.OrderType(in.OrderType),
		TimeInForce:   broker.TIFDay,
		LimitPrice:    in.LimitPrice,
		ClientOrderID: storageKey,
	})
	if err != nil {
		if timedOut(ctx, err) {
			// Outcome unknown: persist the intent as unsubmitted with a
			// system_timeout audit row so the sync job can resolve it.
			monitor.BrokerErrors.WithLabelValues("timeout").Inc()
			if perr := s.persistUnknown(ctx, in, ticker, lookupKey, storageKey, err); perr != nil {
				log.Printf("submit: CRITICAL: broker outcome unknown for %s and local persist failed: %v", ticker, perr)
			}
			return nil, fmt.Errorf("broker call timed out for %s: %w", ticker, err)
		}
		monitor.BrokerErrors.WithLabelValues(brokerErrorKind(err)).Inc()
		if s.Bus != nil {
			s.Bus.Publish(events.EventOrderRejected, err.Error())
		}
		return nil, fmt.Errorf("place order %s %s: %w", in.Side, ticker, err)
	}

	order := db.Order{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Ticker:         ticker,
		Side:           in.Side,
		Qty:            in.Qty,
		OrderType:      in.OrderType,
		LimitPrice:     in.LimitPrice,
		IdempotencyKey: storageKey,
		LookupKey:      lookupKey,
		BrokerOrderID:  placed.ID,
		Status:         string(placed.Status),
		FilledQty:      placed.FilledQty,
		FilledAvgPrice: placed.FilledAvgPrice,
		SignalID:       in.SignalID,
		ExitReason:     in.ExitReason,
		SubmittedAt:    sql.NullTime{Time: placed.SubmittedAt, Valid: !placed.SubmittedAt.IsZero()},
	}

	err = s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.DB.CreateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		payload := audit.UserAction{Actor: in.Actor, RawBody: placed.Raw}
		if err := s.Recorder.RecordInitialTx(ctx, tx, order.ID, order.Status,
			audit.Fill{Qty: placed.FilledQty, AvgPrice: placed.FilledAvgPrice}, payload); err != nil {
			return err
		}
		// Exit orders carry the signal id for lineage only; the signal's
		// lifecycle ended when the entry order filled.
		if in.SignalID != "" && in.ExitReason == "" {
			if _, err := s.Lifecycle.TransitionTx(ctx, tx, lifecycle.Change{
				SignalID: in.SignalID,
				NewState: db.SignalOrdered,
				OrderID:  order.ID,
				Reason:   "order submitted",
				Actor:    in.Actor,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The trade executed at the broker; never swallow this.
		perr := &PersistError{BrokerOrderID: placed.ID, Err: err}
		log.Printf("submit: CRITICAL: %v", perr)
		return nil, perr
	}

	monitor.OrdersSubmitted.WithLabelValues(in.Side).Inc()
	if s.Bus != nil {
		s.Bus.Publish(events.EventOrderSubmitted, order)
	}
	log.Printf("submit: order %s %s %s qty=%.2f status=%s broker_id=%s",
		order.ID, order.Side, order.Ticker, order.Qty, order.Status, order.BrokerOrderID)

	return &Result{Order: order}, nil
}

// persistUnknown stores an unsubmitted order after a broker timeout so the
// intent is not lost while the outcome is unknown.
func (s *Service) persistUnknown(ctx context.Context, in Intent, ticker, lookupKey, storageKey string, cause error) error {
	order := db.Order{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Ticker:         ticker,
		Side:           in.Side,
		Qty:            in.Qty,
		OrderType:      in.OrderType,
		LimitPrice:     in.LimitPrice,
		IdempotencyKey: storageKey,
		LookupKey:      lookupKey,
		Status:         db.OrderStatusUnsubmitted,
		SignalID:       in.SignalID,
		ExitReason:     in.ExitReason,
	}
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.DB.CreateOrderTx(ctx, tx, order); err != nil {
			return err
		}
		payload := audit.SystemTimeout{Err: cause.Error()}
		return s.Recorder.RecordInitialTx(ctx, tx, order.ID, order.Status, audit.Fill{}, payload)
	})
}

// SubmitBatch processes cart items independently: each gets its own
// idempotency key, a failure in one does not block the others, and a small
// delay between broker calls respects the per-credential rate limit. A retry
// of an interrupted batch finds the already-placed items as duplicates.
func (s *Service) SubmitBatch(ctx context.Context, intents []Intent) []ItemResult {
	results := make([]ItemResult, 0, len(intents))
	for i, in := range intents {
		if err := ctx.Err(); err != nil {
			results = append(results, ItemResult{Ticker: in.Ticker, Error: err.Error()})
			continue
		}

		res, err := s.Submit(ctx, in)
		item := ItemResult{Ticker: strings.ToUpper(in.Ticker)}
		if err != nil {
			item.Error = err.Error()
		} else {
			item.OrderID = res.Order.ID
			item.Duplicate = res.Duplicate
		}
		results = append(results, item)

		if i < len(intents)-1 && s.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.BatchDelay):
			}
		}
	}
	return results
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		(ctx.Err() == nil && strings.Contains(err.Error(), "Client.Timeout"))
}

func brokerErrorKind(err error) string {
	var apiErr *alpaca.APIError
	switch {
	case alpaca.IsRateLimited(err):
		return "rate_limited"
	case errors.As(err, &apiErr):
		return "rejected"
	default:
		return "other"
	}
}
