package transport

import (
	"context"
	"fmt"

	"github.com/modfin/utskick"
)

// Transport attempts delivery of one rendered message and reports success
// or a typed failure. Implementations must honor ctx, a deadline hit is a
// delivery failure like any other.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Errf wraps a transport failure so callers can errors.Is it against
// utskick.ErrTransport.
func Errf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, utskick.ErrTransport)...)
}
