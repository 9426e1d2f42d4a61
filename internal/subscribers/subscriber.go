package subscribers

import (
	"context"
	"errors"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

// ErrRejected marks a delivery the receiver refused outright. Dispatchers
// do not retry it.
var ErrRejected = errors.New("lifecycle event rejected by subscriber")

type Subscriber interface {
	Name() string
	Handle(context.Context, protocol.LifecycleEvent) error
}
