package runner

import (
	"context"
	"sync"
)

// Group runs long-lived workers and hands each worker's result back on its own channel.
type Group struct {
	wg sync.WaitGroup
}

func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		done <- fn(ctx)
		close(done)
	}()
	return done
}

// First returns the first non-nil error among chans, or nil once all have finished.
func First(ctx context.Context, chans ...<-chan error) error {
	merged := make(chan error, len(chans))
	for _, ch := range chans {
		go func(ch <-chan error) { merged <- <-ch }(ch)
	}
	for range chans {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-merged:
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Group) Wait() { g.wg.Wait() }
