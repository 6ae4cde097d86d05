package projection

import (
	"context"
	"fmt"

	"github.com/example/parking-es/internal/infrastructure/store"
)

// DefaultReplayBatch is the page size used to walk the event log.
const DefaultReplayBatch = 500

// Resetter is implemented by projections whose read model can be emptied
// ahead of a rebuild.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ReplayStats summarizes a rebuild.
type ReplayStats struct {
	Projections  []string
	Events       int
	LastPosition int64
}

// Replay empties the selected read models and feeds the whole event log
// through them again in commit order. An empty only selects every
// registered projection.
func (c *Consumer) Replay(ctx context.Context, events store.EventLog, batchSize int, only ...string) (ReplayStats, error) {
	if batchSize <= 0 {
		batchSize = DefaultReplayBatch
	}
	selected, err := c.selectProjections(only)
	if err != nil {
		return ReplayStats{}, err
	}

	stats := ReplayStats{}
	for _, p := range selected {
		stats.Projections = append(stats.Projections, p.Name())
		if r, ok := p.(Resetter); ok {
			if err := r.Reset(ctx); err != nil {
				return stats, fmt.Errorf("reset %s: %w", p.Name(), err)
			}
		}
	}

	sub := &Consumer{projections: selected, opts: c.opts, log: c.log.With("replay", true)}
	for {
		batch, err := events.LoadAll(ctx, stats.LastPosition, batchSize)
		if err != nil {
			return stats, fmt.Errorf("load events after %d: %w", stats.LastPosition, err)
		}
		for _, event := range batch {
			if err := sub.Dispatch(ctx, event); err != nil {
				return stats, err
			}
			stats.Events++
			stats.LastPosition = event.Position
		}
		if len(batch) < batchSize {
			break
		}
	}
	c.log.Info("replay finished", "projections", stats.Projections, "events", stats.Events, "last_position", stats.LastPosition)
	return stats, nil
}

func (c *Consumer) selectProjections(only []string) ([]Projection, error) {
	if len(only) == 0 {
		return c.projections, nil
	}
	byName := make(map[string]Projection, len(c.projections))
	for _, p := range c.projections {
		byName[p.Name()] = p
	}
	selected := make([]Projection, 0, len(only))
	for _, name := range only {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown projection %q", name)
		}
		selected = append(selected, p)
	}
	return selected, nil
}
