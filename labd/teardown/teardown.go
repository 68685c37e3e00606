// Package teardown destroys the underlying lab resource. The concrete
// representation of a lab is external to the coordination protocol;
// implementations only need to be safe to invoke repeatedly, because
// the cleanup API retries teardown until it succeeds.
package teardown

import (
	"context"

	"github.com/labforge/labforge/labd/expstore"
)

// Teardown destroys the resource behind a lab record.
type Teardown interface {
	Teardown(ctx context.Context, lab expstore.Lab) error
}

// Func adapts a function to the Teardown interface. Useful in tests.
type Func func(ctx context.Context, lab expstore.Lab) error

func (f Func) Teardown(ctx context.Context, lab expstore.Lab) error {
	return f(ctx, lab)
}
