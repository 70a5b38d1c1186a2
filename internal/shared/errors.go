package shared

import "errors"

// ErrLockNotAcquired occurs when a product mutation lease is already held.
var ErrLockNotAcquired = errors.New("product lock not acquired")
