package ledger

import (
	"time"

	"github.com/roach88/till/internal/money"
)

// Status is a transaction's ledger status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusVoided    Status = "voided"
)

// Item is one cart line as snapshotted at payment start.
type Item struct {
	SKU       string      `json:"sku"`
	Name      string      `json:"name"`
	UnitPrice money.Cents `json:"unitPriceInCents"`
	Quantity  int         `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity.
func (i Item) Subtotal() money.Cents { return i.UnitPrice.Mul(i.Quantity) }

// TransactionRecord is one ledger entry. Immutable once appended except for
// status, retry and error fields updated in place by id.
type TransactionRecord struct {
	ID                   string      `json:"id"`
	Timestamp            time.Time   `json:"timestamp"`
	Items                []Item      `json:"items"`
	Total                money.Cents `json:"totalInCents"`
	Status               Status      `json:"status"`
	RetryCount           int         `json:"retryCount"`
	LastError            string      `json:"lastError,omitempty"`
	GatewayTransactionID string      `json:"gatewayTransactionId,omitempty"`
	CompletedAt          *time.Time  `json:"completedAt,omitempty"`
	VoidReason           string      `json:"voidReason,omitempty"`
}

// ItemCount returns the total quantity across all items.
func (r TransactionRecord) ItemCount() int {
	n := 0
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}

// Clone returns a deep copy.
func (r TransactionRecord) Clone() TransactionRecord {
	out := r
	out.Items = append([]Item(nil), r.Items...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// ArchiveInfo summarizes records removed by rotation.
type ArchiveInfo struct {
	ArchivedCount   int         `json:"archivedCount"`
	ArchivedRevenue money.Cents `json:"archivedRevenueCents"`
	OldestArchived  *time.Time  `json:"oldestArchived,omitempty"`
	LastArchiveDate *time.Time  `json:"lastArchiveDate,omitempty"`
}

// RetentionPolicy bounds the ledger's transaction history.
// A zero field disables that bound.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultRetentionPolicy keeps 30 days and at most 1000 records.
var DefaultRetentionPolicy = RetentionPolicy{
	MaxAge:   30 * 24 * time.Hour,
	MaxCount: 1000,
}

// ArchiveResult reports what a single Rotate call removed.
type ArchiveResult struct {
	Archived int         `json:"archived"`
	Revenue  money.Cents `json:"revenueCents"`
}

// Snapshot is the persisted ledger document.
type Snapshot struct {
	Inventory                map[string]int      `json:"inventory"`
	Transactions             []TransactionRecord `json:"transactions"`
	ArchivedTransactionsInfo ArchiveInfo         `json:"archivedTransactionsInfo"`
	LastUpdated              time.Time           `json:"lastUpdated"`
}
