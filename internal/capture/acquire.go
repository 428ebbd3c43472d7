package capture

import (
	"context"
	"errors"
	"fmt"
)

// acquire requests a handle from src exactly once. The returned error is
// either ErrPermissionDenied or wraps ErrAcquisitionFailed.
func acquire(ctx context.Context, src Source) (Handle, error) {
	h, err := src.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		if errors.Is(err, ErrAcquisitionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: source returned no handle", ErrAcquisitionFailed)
	}
	if !h.Active() {
		h.Stop()
		return nil, fmt.Errorf("%w: handle inactive on arrival", ErrAcquisitionFailed)
	}
	return h, nil
}
