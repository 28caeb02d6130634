package models

import "fmt"

// Product is a purchasable subscription in the catalog. The catalog is
// configuration, not a store fetch: IDs must match the App Store / Play
// Store listings exactly.
type Product struct {
	ID     string `yaml:"id" json:"id"`
	Tier   string `yaml:"tier" json:"tier"`
	Months int    `yaml:"months" json:"months"`
}

func (p Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Tier == "" {
		return fmt.Errorf("tier is required for %s", p.ID)
	}
	if p.Months <= 0 {
		return fmt.Errorf("months must be positive for %s", p.ID)
	}
	return nil
}

// ProductCatalog resolves product IDs to configured metadata.
type ProductCatalog struct {
	byID map[string]Product
}

func NewProductCatalog(products []Product) (*ProductCatalog, error) {
	byID := make(map[string]Product, len(products))
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("product catalog: %w", err)
		}
		if _, ok := byID[p.ID]; ok {
			return nil, fmt.Errorf("product catalog: duplicate id %s", p.ID)
		}
		byID[p.ID] = p
	}
	return &ProductCatalog{byID: byID}, nil
}

func (c *ProductCatalog) Product(id string) (Product, error) {
	p, ok := c.byID[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, nil
}

func (c *ProductCatalog) Len() int {
	return len(c.byID)
}
