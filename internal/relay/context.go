package relay

import (
	"context"
	"time"
)

// newDispatchContext bounds one chain dispatch (which may issue
// several sequential exchange calls and wait-until-flat polls) to a
// generous ceiling, independent of the inbound HTTP request's own
// context so a client disconnect does not abort in-flight exchange
// mutations.
func newDispatchContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
