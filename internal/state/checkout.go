package state

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/money"
	"github.com/roach88/till/internal/trace"
)

// StartCheckout moves a non-empty cart from IDLE to PENDING.
func (s *Store) StartCheckout(ctx context.Context) error {
	return s.mutate(ctx, "start_checkout", func(m *mutation) error {
		if len(m.next.Cart) == 0 {
			return newError(CodeCartEmpty, "cart is empty")
		}
		if m.next.Status != StatusIdle {
			return newError(CodeTransactionInProgress, "checkout requires IDLE, status is %s", m.next.Status)
		}
		m.next.Status = StatusPending
		return nil
	})
}

// CancelCheckout gives up on a checkout from PENDING or ERROR. The cart is
// kept and any pending ledger entry is voided.
func (s *Store) CancelCheckout(ctx context.Context) error {
	return s.mutate(ctx, "cancel_checkout", func(m *mutation) error {
		if m.next.Status != StatusPending && m.next.Status != StatusError {
			return newError(CodeInvalidState, "nothing to cancel in status %s", m.next.Status)
		}
		if err := s.voidPending(ctx, m, "checkout cancelled"); err != nil {
			return err
		}
		resetToIdle(&m.next)
		return nil
	})
}

// StartPaymentProcessing writes (or reuses) the pending ledger entry and
// moves to PROCESSING. The entry is durable before this returns, so the
// gateway must only be called after a successful return.
func (s *Store) StartPaymentProcessing(ctx context.Context) (PaymentStart, error) {
	var start PaymentStart
	err := s.mutate(ctx, "start_payment", func(m *mutation) error {
		if m.next.Status != StatusPending && m.next.Status != StatusError {
			return newError(CodeInvalidState, "payment requires PENDING or ERROR, status is %s", m.next.Status)
		}
		if len(m.next.Cart) == 0 {
			return newError(CodeCartEmpty, "cart is empty")
		}

		if txID := m.next.PendingTransactionID; txID != "" {
			rec, err := s.ledger.Transaction(ctx, txID)
			if err != nil {
				return fmt.Errorf("state: load pending %s: %w", txID, err)
			}
			start = PaymentStart{TransactionID: txID, Total: rec.Total, Reused: true}
		} else {
			rec := s.newRecord(m.next)
			if err := s.ledger.AppendTransaction(ctx, rec); err != nil {
				return fmt.Errorf("state: append pending: %w", err)
			}
			s.traceLedgerWrite(ctx, "append", rec.ID)
			m.next.PendingTransactionID = rec.ID
			m.transactions = true
			start = PaymentStart{TransactionID: rec.ID, Total: rec.Total}
		}

		m.next.Status = StatusProcessing
		m.next.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return PaymentStart{}, err
	}
	return start, nil
}

func (s *Store) newRecord(st AppState) ledger.TransactionRecord {
	items := make([]ledger.Item, 0, len(st.Cart))
	total := money.Zero
	for _, l := range st.Cart {
		item := ledger.Item{SKU: l.SKU, Name: l.Name, UnitPrice: l.UnitPrice, Quantity: l.Quantity}
		items = append(items, item)
		total = total.Add(item.Subtotal())
	}
	return ledger.TransactionRecord{
		ID:        s.ids.New(id.PrefixTransaction),
		Timestamp: s.clock.Now(),
		Items:     items,
		Total:     total,
		Status:    ledger.StatusPending,
	}
}

// HandlePaymentSuccess completes the pending transaction: the ledger entry
// is marked completed, inventory is decremented by the ledgered items, the
// cart is cleared and metrics are updated. Returns the receipt.
func (s *Store) HandlePaymentSuccess(ctx context.Context, gatewayID string) (Receipt, error) {
	var receipt Receipt
	err := s.mutate(ctx, "payment_success", func(m *mutation) error {
		if m.next.Status != StatusProcessing {
			return newError(CodeInvalidState, "no payment is processing, status is %s", m.next.Status)
		}
		txID := m.next.PendingTransactionID
		rec, err := s.ledger.Transaction(ctx, txID)
		if err != nil {
			// The charge is approved. The cart cannot change while
			// processing, so it still holds exactly the ledgered items.
			s.logger.Error("load pending after approved charge, using cart",
				"transaction_id", txID,
				"gateway_id", gatewayID,
				"correlation_id", trace.CorrelationID(ctx),
				"error", err)
			rec = s.newRecord(m.next)
			rec.ID = txID
		}

		now := s.clock.Now()
		if err := s.ledger.MarkCompleted(ctx, txID, gatewayID, now); err != nil {
			s.logger.Error("approved charge not ledgered, reconcile manually",
				"transaction_id", txID,
				"gateway_id", gatewayID,
				"correlation_id", trace.CorrelationID(ctx),
				"total", rec.Total,
				"error", err)
			return fmt.Errorf("state: mark completed %s: %w", txID, err)
		}
		s.traceLedgerWrite(ctx, "complete", txID)
		m.transactions = true

		sold := make(map[string]int, len(rec.Items))
		for _, item := range rec.Items {
			sold[item.SKU] += item.Quantity
		}
		inv := decrementInventory(s.inventory, sold)
		m.setInventory(inv)
		if err := s.ledger.SaveInventory(ctx, inv); err != nil {
			// The sale is already ledgered; the in-memory count is
			// authoritative and is flushed again on shutdown.
			s.logger.Error("persist inventory after sale", "transaction_id", txID, "error", err)
		}

		snap := s.metrics.Record(metrics.Entry{
			TransactionID: txID,
			CompletedAt:   now,
			ItemCount:     rec.ItemCount(),
			Total:         rec.Total,
		})
		m.metrics = &snap
		if s.bus.Enabled() {
			s.bus.Emit(trace.Event{
				CorrelationID: trace.CorrelationID(ctx),
				Type:          trace.EventMetricsUpdated,
				Source:        "metrics",
				Payload:       snap,
			})
		}

		receipt = Receipt{
			TransactionID:        txID,
			GatewayTransactionID: gatewayID,
			Items:                rec.Items,
			Total:                rec.Total,
			Timestamp:            now,
		}
		m.next.Cart = []CartLine{}
		m.next.Status = StatusPaid
		m.next.RetryCount = 0
		m.next.ErrorMessage = ""
		m.next.PendingTransactionID = ""
		m.next.LastReceipt = receipt.Clone()

		// The sale is already ledgered; a failed rotation only delays
		// archiving until the next sale or restart.
		if _, err := s.applyRetention(ctx); err != nil {
			s.logger.Error("rotate ledger after sale", "transaction_id", txID, "error", err)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// HandlePaymentFailure records a failed attempt. The ledger entry stays
// pending with its retry count and last error updated.
func (s *Store) HandlePaymentFailure(ctx context.Context, message string) error {
	return s.mutate(ctx, "payment_failure", func(m *mutation) error {
		if m.next.Status != StatusProcessing {
			return newError(CodeInvalidState, "no payment is processing, status is %s", m.next.Status)
		}
		m.next.RetryCount++
		txID := m.next.PendingTransactionID
		if err := s.ledger.RecordFailure(ctx, txID, m.next.RetryCount, message); err != nil {
			return fmt.Errorf("state: record failure %s: %w", txID, err)
		}
		s.traceLedgerWrite(ctx, "failure", txID)
		m.transactions = true
		m.next.Status = StatusError
		m.next.ErrorMessage = message
		return nil
	})
}

// ResetTransaction returns from PAID to IDLE for the next customer. It is
// also accepted from IDLE.
func (s *Store) ResetTransaction(ctx context.Context) error {
	return s.mutate(ctx, "reset_transaction", func(m *mutation) error {
		if m.next.Status != StatusPaid && m.next.Status != StatusIdle {
			return newError(CodeInvalidState, "cannot start a new transaction in status %s", m.next.Status)
		}
		resetToIdle(&m.next)
		return nil
	})
}

// SetDemoLoopRunning records whether the demo loop is active.
func (s *Store) SetDemoLoopRunning(ctx context.Context, running bool) error {
	return s.mutate(ctx, "set_demo_loop", func(m *mutation) error {
		m.next.DemoLoopRunning = running
		return nil
	})
}

// Shutdown voids any pending entry, flushes inventory and closes the store
// to further mutation. Calling it twice is a no-op.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	err := s.mutate(ctx, "shutdown", func(m *mutation) error {
		if err := s.voidPending(ctx, m, ledger.ShutdownReason); err != nil {
			return err
		}
		if m.next.Status == StatusPending || m.next.Status == StatusProcessing || m.next.Status == StatusError {
			resetToIdle(&m.next)
		}
		m.next.DemoLoopRunning = false
		return nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if err := s.ledger.SaveInventory(ctx, maps.Clone(s.inventory)); err != nil {
		return fmt.Errorf("state: flush inventory: %w", err)
	}
	return nil
}

// voidPending voids the pending ledger entry the state points at, if any.
func (s *Store) voidPending(ctx context.Context, m *mutation, reason string) error {
	txID := m.next.PendingTransactionID
	if txID == "" {
		return nil
	}
	err := s.ledger.Void(ctx, txID, reason)
	switch {
	case err == nil:
		s.traceLedgerWrite(ctx, "void", txID)
		s.logger.Info("voided transaction", "transaction_id", txID, "reason", reason)
	case errors.Is(err, ledger.ErrNotPending), errors.Is(err, ledger.ErrNotFound):
		s.logger.Warn("pending pointer was stale", "transaction_id", txID, "error", err)
	default:
		return fmt.Errorf("state: void %s: %w", txID, err)
	}
	m.next.PendingTransactionID = ""
	m.transactions = true
	return nil
}
