package cerr

import (
	"context"
	"errors"
	"fmt"
)

// WrapStorageError turns a store failure that has no domain meaning into
// Unavailable. Context cancellation and deadlines land here too.
func WrapStorageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(Unavailable, "storage timed out", fmt.Errorf("%s: %w", op, err))
	}
	if errors.Is(err, context.Canceled) {
		return NewError(Unavailable, "request canceled", fmt.Errorf("%s: %w", op, err))
	}
	return NewError(Unavailable, "storage unavailable", fmt.Errorf("%s: %w", op, err))
}
