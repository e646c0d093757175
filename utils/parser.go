package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/storefront/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStoreConfig checks a StoreConfig against its struct tags and the
// rules tags cannot express.
func ValidateStoreConfig(config *types.StoreConfig) error {
	if err := validate.Struct(config); err != nil {
		return &types.StoreError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if !config.Network.IsKnown() {
		return &types.StoreError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("unsupported network: %s", config.Network),
		}
	}

	if len(config.Catalog) > 0 {
		if err := ValidateProducts(config.Catalog); err != nil {
			return err
		}
	}

	return nil
}

// ParseStoreConfig parses and validates a StoreConfig from JSON.
func ParseStoreConfig(data []byte) (*types.StoreConfig, error) {
	var config types.StoreConfig

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.StoreError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse store config: %v", err),
		}
	}

	config.ApplyDefaults()

	if err := ValidateStoreConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateProducts checks struct tags, positive prices and id uniqueness.
func ValidateProducts(products []types.Product) error {
	seen := make(map[int]struct{}, len(products))
	for i := range products {
		p := &products[i]

		if err := validate.Struct(p); err != nil {
			return &types.StoreError{
				Code:    types.ErrInvalidProduct,
				Message: fmt.Sprintf("product %d: %v", p.ID, err),
			}
		}

		if !p.UnitPrice.IsPositive() {
			return &types.StoreError{
				Code:    types.ErrInvalidProduct,
				Message: fmt.Sprintf("product %d: price must be positive", p.ID),
			}
		}

		if _, dup := seen[p.ID]; dup {
			return &types.StoreError{
				Code:    types.ErrInvalidProduct,
				Message: fmt.Sprintf("duplicate product id %d", p.ID),
			}
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// ParseCatalog parses and validates a product list from JSON.
func ParseCatalog(data []byte) ([]types.Product, error) {
	var products []types.Product

	if err := json.Unmarshal(data, &products); err != nil {
		return nil, &types.StoreError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse catalog: %v", err),
		}
	}

	if err := ValidateProducts(products); err != nil {
		return nil, err
	}

	return products, nil
}

// NormalizeJSON formats JSON with consistent indentation
func NormalizeJSON(data interface{}) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}
