// Package cart implements the storefront cart engine: an ordered set of
// product lines with at most one line per product id.
package cart

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vitwit/storefront/types"
)

// Engine owns a cart for the duration of a session. All mutations are
// serialized; readers never observe a half-applied change.
type Engine struct {
	mu    sync.RWMutex
	lines []types.CartLine
}

func NewEngine() *Engine {
	return &Engine{}
}

// AddItem increments the line for product, or appends a new line with
// quantity 1.
func (e *Engine) AddItem(product types.Product) error {
	if product.ID <= 0 || !product.UnitPrice.IsPositive() {
		return &types.StoreError{
			Code:    types.ErrInvalidProduct,
			Message: fmt.Sprintf("product %d cannot be added to a cart", product.ID),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if i := e.indexOf(product.ID); i >= 0 {
		e.lines[i].Quantity++
		return nil
	}

	e.lines = append(e.lines, types.CartLine{Product: product, Quantity: 1})
	return nil
}

// RemoveItem deletes the line for productID. Absent ids are ignored.
func (e *Engine) RemoveItem(productID int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexOf(productID)
	if i < 0 {
		return
	}

	e.lines = append(e.lines[:i], e.lines[i+1:]...)
}

// SetQuantity replaces the quantity of an existing line. Quantities below 1
// are rejected and leave the cart untouched.
func (e *Engine) SetQuantity(productID int, quantity int) error {
	if quantity < 1 {
		return &types.StoreError{
			Code:    types.ErrInvalidQuantity,
			Message: fmt.Sprintf("quantity must be at least 1, got %d", quantity),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexOf(productID)
	if i < 0 {
		return &types.StoreError{
			Code:    types.ErrInvalidQuantity,
			Message: fmt.Sprintf("product %d is not in the cart", productID),
		}
	}

	e.lines[i].Quantity = quantity
	return nil
}

// Total returns the sum of unit price times quantity over all lines.
func (e *Engine) Total() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := decimal.Zero
	for _, l := range e.lines {
		total = total.Add(l.LineTotal())
	}
	return total
}

// Lines returns the lines in insertion order. The slice is a snapshot.
func (e *Engine) Lines() []types.CartLine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.CartLine, len(e.lines))
	copy(out, e.lines)
	return out
}

// Len returns the number of distinct lines.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.lines)
}

// Units returns the number of units across all lines.
func (e *Engine) Units() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, l := range e.lines {
		n += l.Quantity
	}
	return n
}

// Snapshot returns lines and total read under a single lock, so the two are
// always consistent with each other.
func (e *Engine) Snapshot() ([]types.CartLine, decimal.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.CartLine, len(e.lines))
	copy(out, e.lines)

	total := decimal.Zero
	for _, l := range out {
		total = total.Add(l.LineTotal())
	}
	return out, total
}

func (e *Engine) indexOf(productID int) int {
	for i := range e.lines {
		if e.lines[i].Product.ID == productID {
			return i
		}
	}
	return -1
}
