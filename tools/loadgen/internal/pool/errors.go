package pool

import "errors"

// Sentinel errors shared by the parameter pool implementations.
var (
	ErrPoolClosed          = errors.New("parameter pool is closed")
	ErrValueNotFound       = errors.New("value not found in pool")
	ErrInvalidSemanticType = errors.New("invalid semantic type")
)
