package store

import (
	"context"

	"a2aflow/internal/domain"
)

// Await blocks until the task reaches a terminal state or ctx ends. It
// subscribes before the first read so no transition can be missed.
func Await(ctx context.Context, s Store, id string) (domain.Task, error) {
	ch, cancel := s.Subscribe(id)
	defer cancel()
	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return t, err
		}
		if t.State.Terminal() {
			return t, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return t, ctx.Err()
		}
	}
}
