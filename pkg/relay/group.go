package relay

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs several independent relay clients that share one emitter.
type Group struct {
	clients []*Client
}

func NewGroup(clients ...*Client) *Group {
	return &Group{clients: clients}
}

func (g *Group) Len() int { return len(g.clients) }

// Run blocks until ctx is cancelled.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.clients {
		eg.Go(func() error { return c.Run(ctx) })
	}
	return eg.Wait()
}

func (g *Group) Statuses() []Status {
	out := make([]Status, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c.Status())
	}
	return out
}
