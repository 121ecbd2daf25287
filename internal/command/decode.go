package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/till/internal/state"
)

// ErrUnknownCommand is returned for an unrecognized type tag.
var ErrUnknownCommand = errors.New("command: unknown command type")

// envelope is the wire shape: {"type": "...", ...payload fields}.
type envelope struct {
	Type     string  `json:"type"`
	SKU      *string `json:"sku"`
	Index    *int    `json:"index"`
	Quantity *int    `json:"quantity"`
}

// Decode validates a JSON command message and returns the command value.
// Unknown fields, missing required fields, fields the command does not take
// and out-of-range values are all rejected.
func Decode(data []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("command: decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("command: decode: trailing data after message")
	}

	switch env.Type {
	case "AddItem":
		sku, err := env.requireSKU()
		if err != nil {
			return nil, err
		}
		if err := env.forbid("index", "quantity"); err != nil {
			return nil, err
		}
		return AddItem{SKU: sku}, nil

	case "RemoveItem":
		sku, err := env.requireSKU()
		if err != nil {
			return nil, err
		}
		if err := env.forbid("quantity"); err != nil {
			return nil, err
		}
		index := -1
		if env.Index != nil {
			if *env.Index < 0 {
				return nil, fmt.Errorf("command: RemoveItem: index must be >= 0, got %d", *env.Index)
			}
			index = *env.Index
		}
		return RemoveItem{SKU: sku, Index: index}, nil

	case "UpdateQuantity":
		sku, err := env.requireSKU()
		if err != nil {
			return nil, err
		}
		if env.Index == nil || *env.Index < 0 {
			return nil, errors.New("command: UpdateQuantity: index is required and must be >= 0")
		}
		if env.Quantity == nil || *env.Quantity < 1 || *env.Quantity > state.MaxQuantity {
			return nil, fmt.Errorf("command: UpdateQuantity: quantity is required and must be in [1, %d]", state.MaxQuantity)
		}
		return UpdateQuantity{SKU: sku, Index: *env.Index, Quantity: *env.Quantity}, nil
	}

	var cmd Command
	switch env.Type {
	case "ClearCart":
		cmd = ClearCart{}
	case "Checkout":
		cmd = Checkout{}
	case "CancelCheckout":
		cmd = CancelCheckout{}
	case "ProcessPayment":
		cmd = ProcessPayment{}
	case "RetryPayment":
		cmd = RetryPayment{}
	case "NewTransaction":
		cmd = NewTransaction{}
	case "StartDemoLoop":
		cmd = StartDemoLoop{}
	case "StopDemoLoop":
		cmd = StopDemoLoop{}
	case "":
		return nil, errors.New("command: decode: type is required")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
	if err := env.forbid("sku", "index", "quantity"); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (e envelope) requireSKU() (string, error) {
	if e.SKU == nil || strings.TrimSpace(*e.SKU) == "" {
		return "", fmt.Errorf("command: %s: sku is required", e.Type)
	}
	return *e.SKU, nil
}

// forbid rejects payload fields the command does not take.
func (e envelope) forbid(fields ...string) error {
	for _, f := range fields {
		var set bool
		switch f {
		case "sku":
			set = e.SKU != nil
		case "index":
			set = e.Index != nil
		case "quantity":
			set = e.Quantity != nil
		}
		if set {
			return fmt.Errorf("command: %s does not take %q", e.Type, f)
		}
	}
	return nil
}

// Encode returns the wire form of cmd.
func Encode(cmd Command) ([]byte, error) {
	env := map[string]any{"type": cmd.Name()}
	switch c := cmd.(type) {
	case AddItem:
		env["sku"] = c.SKU
	case RemoveItem:
		env["sku"] = c.SKU
		if c.Index >= 0 {
			env["index"] = c.Index
		}
	case UpdateQuantity:
		env["sku"] = c.SKU
		env["index"] = c.Index
		env["quantity"] = c.Quantity
	}
	return json.Marshal(env)
}
