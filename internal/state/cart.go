package state

import (
	"context"
	"maps"
	"strconv"

	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/id"
)

// editable rejects cart edits while a checkout is under way. A PAID
// register starts a fresh transaction on the first edit.
func editable(next *AppState) error {
	switch next.Status {
	case StatusIdle:
		return nil
	case StatusPaid:
		resetToIdle(next)
		return nil
	default:
		return newError(CodeTransactionInProgress, "cart cannot change while status is %s", next.Status)
	}
}

// resetToIdle clears every per-transaction field except the cart.
func resetToIdle(next *AppState) {
	next.Status = StatusIdle
	next.ErrorMessage = ""
	next.RetryCount = 0
	next.PendingTransactionID = ""
	next.LastReceipt = nil
}

// AddItem adds one unit of sku, pricing it from the catalog.
func (s *Store) AddItem(ctx context.Context, sku string) error {
	sku = catalog.NormalizeSKU(sku)
	return s.mutate(ctx, "add_item", func(m *mutation) error {
		if err := editable(&m.next); err != nil {
			return err
		}
		product, ok := s.catalog.Lookup(sku)
		if !ok {
			return newError(CodeUnknownProduct, "unknown product %q", sku).with("sku", sku)
		}
		line := -1
		for i := range m.next.Cart {
			if m.next.Cart[i].SKU == sku {
				line = i
				break
			}
		}
		if line >= 0 && m.next.Cart[line].Quantity >= MaxQuantity {
			return newError(CodeQuantityLimitExceeded, "%s is already at the limit of %d", sku, MaxQuantity).with("sku", sku)
		}
		if err := s.checkStock(m.next, sku, -1, 1); err != nil {
			return err
		}
		if line >= 0 {
			m.next.Cart[line].Quantity++
			return nil
		}

		m.next.Cart = append(m.next.Cart, CartLine{
			ID:        s.ids.New(id.PrefixCartLine),
			SKU:       product.SKU,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  1,
		})
		return nil
	})
}

// RemoveItem removes the line at index. A negative index selects the first
// line holding sku.
func (s *Store) RemoveItem(ctx context.Context, sku string, index int) error {
	sku = catalog.NormalizeSKU(sku)
	return s.mutate(ctx, "remove_item", func(m *mutation) error {
		if err := editable(&m.next); err != nil {
			return err
		}
		i, err := resolveLine(m.next.Cart, sku, index)
		if err != nil {
			return err
		}
		m.next.Cart = append(m.next.Cart[:i:i], m.next.Cart[i+1:]...)
		return nil
	})
}

// UpdateQuantity sets the quantity of the line at index. A quantity of zero
// or less removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, sku string, index, qty int) error {
	if qty <= 0 {
		return s.RemoveItem(ctx, sku, index)
	}
	sku = catalog.NormalizeSKU(sku)
	return s.mutate(ctx, "update_quantity", func(m *mutation) error {
		if err := editable(&m.next); err != nil {
			return err
		}
		i, err := resolveLine(m.next.Cart, sku, index)
		if err != nil {
			return err
		}
		if qty > MaxQuantity {
			return newError(CodeQuantityLimitExceeded, "quantity %d exceeds the limit of %d", qty, MaxQuantity).with("sku", sku)
		}
		if qty > m.next.Cart[i].Quantity {
			if err := s.checkStock(m.next, sku, i, qty); err != nil {
				return err
			}
		}
		m.next.Cart[i].Quantity = qty
		return nil
	})
}

// ClearCart empties the cart and returns to IDLE. A pending ledger entry of
// an abandoned checkout is voided. Clearing is refused only while a payment
// is in flight: the gateway result must still find the pending entry and
// the cart it charged for.
func (s *Store) ClearCart(ctx context.Context) error {
	return s.mutate(ctx, "clear_cart", func(m *mutation) error {
		if m.next.Status == StatusProcessing {
			return newError(CodeTransactionInProgress, "cannot clear the cart while a payment is processing")
		}
		if err := s.voidPending(ctx, m, "cart cleared"); err != nil {
			return err
		}
		m.next.Cart = []CartLine{}
		resetToIdle(&m.next)
		return nil
	})
}

// checkStock verifies that the cart may hold want units of sku on the line
// at skip (or on a new line when skip is -1, in which case want is added to
// what the cart already holds).
func (s *Store) checkStock(st AppState, sku string, skip, want int) error {
	stock, ok := s.inventory[sku]
	if !ok {
		stock = 0
	}
	if stock == catalog.Unlimited {
		return nil
	}
	total := st.quantityOf(sku, skip) + want
	if stock == 0 || total > stock {
		return newError(CodeOutOfStock, "%s has %d in stock", sku, stock).
			with("sku", sku).
			with("available", strconv.Itoa(stock))
	}
	return nil
}

func resolveLine(cart []CartLine, sku string, index int) (int, error) {
	if index < 0 {
		for i, l := range cart {
			if l.SKU == sku {
				return i, nil
			}
		}
		return 0, newError(CodeItemNotFound, "%s is not in the cart", sku).with("sku", sku)
	}
	if index >= len(cart) {
		return 0, newError(CodeItemNotFound, "no cart line at index %d", index).with("index", strconv.Itoa(index))
	}
	if cart[index].SKU != sku {
		return 0, newError(CodeSKUMismatch, "line %d holds %s, not %s", index, cart[index].SKU, sku).
			with("index", strconv.Itoa(index))
	}
	return index, nil
}

// decrementInventory returns a copy of inv with qty removed for each item,
// clamped at zero. Unlimited counts are untouched.
func decrementInventory(inv map[string]int, items map[string]int) map[string]int {
	out := maps.Clone(inv)
	if out == nil {
		out = make(map[string]int)
	}
	for sku, qty := range items {
		n, ok := out[sku]
		if !ok || n == catalog.Unlimited {
			continue
		}
		out[sku] = max(n-qty, 0)
	}
	return out
}
