// Package catalog holds the read-only product list of a storefront session.
package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
)

// Store is a read-only accessor over a fixed product list.
type Store struct {
	products []types.Product
	byID     map[int]int
}

// NewStore validates products and builds a Store over a private copy of them.
func NewStore(products []types.Product) (*Store, error) {
	if err := utils.ValidateProducts(products); err != nil {
		return nil, err
	}

	s := &Store{
		products: make([]types.Product, len(products)),
		byID:     make(map[int]int, len(products)),
	}
	copy(s.products, products)
	for i, p := range s.products {
		s.byID[p.ID] = i
	}
	return s, nil
}

// Default returns the built-in luxury catalog, priced in the native currency.
func Default() *Store {
	s, err := NewStore(DefaultProducts())
	if err != nil {
		panic(fmt.Sprintf("default catalog is invalid: %v", err))
	}
	return s
}

// DefaultProducts returns the built-in product list.
func DefaultProducts() []types.Product {
	return []types.Product{
		{
			ID:          1,
			Name:        "Luxury Watch",
			UnitPrice:   decimal.RequireFromString("0.1"),
			Description: "Elegant timepiece with premium craftsmanship",
			ImageRef:    "https://cdn-icons-png.flaticon.com/512/1900/1900657.png",
		},
		{
			ID:          2,
			Name:        "Designer Handbag",
			UnitPrice:   decimal.RequireFromString("0.15"),
			Description: "Premium leather handbag with gold accents",
			ImageRef:    "https://cdn-icons-png.flaticon.com/512/2345/2345130.png",
		},
		{
			ID:          3,
			Name:        "Smart Device",
			UnitPrice:   decimal.RequireFromString("0.08"),
			Description: "Next-generation smart device with AI capabilities",
			ImageRef:    "https://cdn-icons-png.flaticon.com/512/1169/1169615.png",
		},
	}
}

// All returns the products in catalog order. The slice is a copy.
func (s *Store) All() []types.Product {
	out := make([]types.Product, len(s.products))
	copy(out, s.products)
	return out
}

// ByID returns the product with id, or a NOT_FOUND error.
func (s *Store) ByID(id int) (types.Product, error) {
	i, ok := s.byID[id]
	if !ok {
		return types.Product{}, &types.StoreError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("product %d not found", id),
		}
	}
	return s.products[i], nil
}

// Len returns the number of products.
func (s *Store) Len() int {
	return len(s.products)
}
