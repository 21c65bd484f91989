package catalog

import "errors"

var (
	// ErrSeedLoad marks a failed bootstrap import. Snapshots carry it so an
	// empty catalog and a catalog that failed to load stay distinguishable.
	ErrSeedLoad        = errors.New("catalog seed load failed")
	ErrInvalidItem     = errors.New("invalid catalog item")
	ErrInvalidDiscount = errors.New("discount must be within 0..100")
	ErrInvalidRating   = errors.New("rating must be within 1..5")
	ErrItemNotFound    = errors.New("catalog item not found")
)
