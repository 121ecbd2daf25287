// Package command maps inbound commands onto the state store and the
// payment engine.
//
// The command set is closed. Every Command implements an unexported accept
// method that calls the matching Handler method, and Dispatcher implements
// Handler, so a new command does not compile until it is handled.
package command

import "context"

// Command is one of the command types declared in this package.
type Command interface {
	// Name returns the wire tag of the command.
	Name() string
	accept(ctx context.Context, h Handler) Result
}

// Handler has one method per command.
type Handler interface {
	AddItem(ctx context.Context, c AddItem) Result
	RemoveItem(ctx context.Context, c RemoveItem) Result
	UpdateQuantity(ctx context.Context, c UpdateQuantity) Result
	ClearCart(ctx context.Context, c ClearCart) Result
	Checkout(ctx context.Context, c Checkout) Result
	CancelCheckout(ctx context.Context, c CancelCheckout) Result
	ProcessPayment(ctx context.Context, c ProcessPayment) Result
	RetryPayment(ctx context.Context, c RetryPayment) Result
	NewTransaction(ctx context.Context, c NewTransaction) Result
	StartDemoLoop(ctx context.Context, c StartDemoLoop) Result
	StopDemoLoop(ctx context.Context, c StopDemoLoop) Result
}

// AddItem adds one unit of SKU to the cart. Price comes from the catalog.
type AddItem struct {
	SKU string `json:"sku"`
}

// RemoveItem removes a cart line. Index -1 selects the first line with SKU.
type RemoveItem struct {
	SKU   string `json:"sku"`
	Index int    `json:"index"`
}

// UpdateQuantity sets the quantity of the cart line at Index.
type UpdateQuantity struct {
	SKU      string `json:"sku"`
	Index    int    `json:"index"`
	Quantity int    `json:"quantity"`
}

type (
	ClearCart      struct{}
	Checkout       struct{}
	CancelCheckout struct{}
	ProcessPayment struct{}
	RetryPayment   struct{}
	NewTransaction struct{}
	StartDemoLoop  struct{}
	StopDemoLoop   struct{}
)

func (AddItem) Name() string        { return "AddItem" }
func (RemoveItem) Name() string     { return "RemoveItem" }
func (UpdateQuantity) Name() string { return "UpdateQuantity" }
func (ClearCart) Name() string      { return "ClearCart" }
func (Checkout) Name() string       { return "Checkout" }
func (CancelCheckout) Name() string { return "CancelCheckout" }
func (ProcessPayment) Name() string { return "ProcessPayment" }
func (RetryPayment) Name() string   { return "RetryPayment" }
func (NewTransaction) Name() string { return "NewTransaction" }
func (StartDemoLoop) Name() string  { return "StartDemoLoop" }
func (StopDemoLoop) Name() string   { return "StopDemoLoop" }

func (c AddItem) accept(ctx context.Context, h Handler) Result        { return h.AddItem(ctx, c) }
func (c RemoveItem) accept(ctx context.Context, h Handler) Result     { return h.RemoveItem(ctx, c) }
func (c UpdateQuantity) accept(ctx context.Context, h Handler) Result { return h.UpdateQuantity(ctx, c) }
func (c ClearCart) accept(ctx context.Context, h Handler) Result      { return h.ClearCart(ctx, c) }
func (c Checkout) accept(ctx context.Context, h Handler) Result       { return h.Checkout(ctx, c) }
func (c CancelCheckout) accept(ctx context.Context, h Handler) Result { return h.CancelCheckout(ctx, c) }
func (c ProcessPayment) accept(ctx context.Context, h Handler) Result { return h.ProcessPayment(ctx, c) }
func (c RetryPayment) accept(ctx context.Context, h Handler) Result   { return h.RetryPayment(ctx, c) }
func (c NewTransaction) accept(ctx context.Context, h Handler) Result { return h.NewTransaction(ctx, c) }
func (c StartDemoLoop) accept(ctx context.Context, h Handler) Result  { return h.StartDemoLoop(ctx, c) }
func (c StopDemoLoop) accept(ctx context.Context, h Handler) Result   { return h.StopDemoLoop(ctx, c) }

// Names lists every command tag.
var Names = []string{
	AddItem{}.Name(),
	RemoveItem{}.Name(),
	UpdateQuantity{}.Name(),
	ClearCart{}.Name(),
	Checkout{}.Name(),
	CancelCheckout{}.Name(),
	ProcessPayment{}.Name(),
	RetryPayment{}.Name(),
	NewTransaction{}.Name(),
	StartDemoLoop{}.Name(),
	StopDemoLoop{}.Name(),
}
