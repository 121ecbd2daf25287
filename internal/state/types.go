package state

import (
	"slices"
	"time"

	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/money"
)

// MaxQuantity is the per-line quantity ceiling.
const MaxQuantity = 99

// Status is the transaction status of the register.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusError      Status = "ERROR"
)

// CartLine is one product line in the cart. UnitPrice always comes from
// the catalog.
type CartLine struct {
	ID        string      `json:"id"`
	SKU       string      `json:"sku"`
	Name      string      `json:"name"`
	UnitPrice money.Cents `json:"unitPriceInCents"`
	Quantity  int         `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity.
func (l CartLine) Subtotal() money.Cents { return l.UnitPrice.Mul(l.Quantity) }

// Receipt is the display snapshot of a completed payment.
type Receipt struct {
	TransactionID        string        `json:"transactionId"`
	GatewayTransactionID string        `json:"gatewayTransactionId"`
	Items                []ledger.Item `json:"items"`
	Total                money.Cents   `json:"totalInCents"`
	Timestamp            time.Time     `json:"timestamp"`
}

// Clone returns a deep copy.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	out.Items = slices.Clone(r.Items)
	return &out
}

// AppState is the register state owned by the Store.
type AppState struct {
	Version              int64      `json:"version"`
	Cart                 []CartLine `json:"cart"`
	Status               Status     `json:"transactionStatus"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	RetryCount           int        `json:"retryCount"`
	DemoLoopRunning      bool       `json:"demoLoopRunning"`
	PendingTransactionID string     `json:"pendingTransactionId,omitempty"`
	LastReceipt          *Receipt   `json:"lastReceipt,omitempty"`
}

// Clone returns a deep copy. Cart is never nil in the copy.
func (s AppState) Clone() AppState {
	out := s
	out.Cart = make([]CartLine, len(s.Cart))
	copy(out.Cart, s.Cart)
	out.LastReceipt = s.LastReceipt.Clone()
	return out
}

// CartTotal returns the sum of line subtotals.
func (s AppState) CartTotal() money.Cents {
	total := money.Zero
	for _, l := range s.Cart {
		total = total.Add(l.Subtotal())
	}
	return total
}

// ItemCount returns the total quantity across lines.
func (s AppState) ItemCount() int {
	n := 0
	for _, l := range s.Cart {
		n += l.Quantity
	}
	return n
}

// quantityOf returns the quantity of sku across all lines except skip.
func (s AppState) quantityOf(sku string, skip int) int {
	n := 0
	for i, l := range s.Cart {
		if i != skip && l.SKU == sku {
			n += l.Quantity
		}
	}
	return n
}

// PaymentStart is returned by StartPaymentProcessing.
type PaymentStart struct {
	TransactionID string      `json:"transactionId"`
	Total         money.Cents `json:"totalInCents"`
	Reused        bool        `json:"reused"`
}

// Change is delivered to listeners after every accepted mutation.
// State is always set; Inventory, Transactions and Metrics are set only
// when their source changed.
type Change struct {
	Version       int64
	Op            string
	// CorrelationID is the id of the command that caused the change, if any.
	CorrelationID string
	State         AppState
	Inventory     map[string]int
	Transactions  []ledger.TransactionRecord
	Metrics       *metrics.Snapshot
}

// Listener observes changes. It runs while the store's mutation lock is
// held, so it must not call back into the Store.
type Listener func(Change)
