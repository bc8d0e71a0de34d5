package execchan

import (
	"context"
	"fmt"

	"wharf/pkg/protocol"
)

// Router dispatches opens by worker kind. The scheduler holds one Router
// and stays ignorant of transport mechanics.
type Router struct {
	Local  Opener
	Remote Opener
}

// NewRouter creates a Router with the default local and SSH openers.
func NewRouter() *Router {
	return &Router{Local: NewLocalOpener(), Remote: NewSSHOpener()}
}

func (r *Router) Open(ctx context.Context, worker *protocol.Worker, req OpenRequest) (Channel, error) {
	if worker == nil {
		return nil, fmt.Errorf("open channel: nil worker")
	}
	switch worker.Kind {
	case protocol.WorkerLocal:
		return r.Local.Open(ctx, worker, req)
	case protocol.WorkerRemote:
		return r.Remote.Open(ctx, worker, req)
	default:
		return nil, fmt.Errorf("open channel: unknown worker kind %q", worker.Kind)
	}
}
