package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is a catalog item as seen by checkout: enough to snapshot a line
// item's name and unit price at order time.
type Product struct {
	ID       string
	Name     string
	Brand    string
	Category string
	Price    decimal.Decimal
	Active   bool
}

// Repository defines read operations on the product catalog.
type Repository interface {
	// GetByIDs returns the active products among ids. Unknown or inactive ids
	// are silently omitted; callers detect them by comparing lengths.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
