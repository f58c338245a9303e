package account

import "errors"

var (
	// ErrNegativeSize is returned for allocations or frees of negative size
	// and for negative totals.
	ErrNegativeSize = errors.New("negative size")

	// ErrOverFree is returned when freeing more than is allocated to an id.
	ErrOverFree = errors.New("free exceeds allocation")

	// ErrBelowUsed is returned when shrinking the total below used space.
	ErrBelowUsed = errors.New("total below used space")
)
