package sink

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/angas/nordpool2influx/types"
)

// Memory keeps points in a map keyed by identity. With logPoints set, every
// stored point is logged, which is what dry-run mode relies on.
type Memory struct {
	logger    *slog.Logger
	logPoints bool
	mu        sync.Mutex
	points    map[string]types.WritePoint
}

func NewMemory(logPoints bool) *Memory {
	return &Memory{
		logger:    slog.Default().With("module", "memory_sink"),
		logPoints: logPoints,
		points:    make(map[string]types.WritePoint),
	}
}

func (s *Memory) Write(ctx context.Context, batch []types.WritePoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	valid, _, rejected := partition(batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range valid {
		s.points[p.Identity()] = p
		if s.logPoints {
			s.logger.Info("point",
				slog.String("measurement", p.Measurement),
				slog.Any("tags", p.Tags),
				slog.Any("fields", p.Fields),
				slog.Time("time", p.Timestamp))
		}
	}
	return result(nil, rejected)
}

// Points returns the stored points ordered by identity.
func (s *Memory) Points() []types.WritePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := slices.Sorted(maps.Keys(s.points))
	out := make([]types.WritePoint, len(keys))
	for i, k := range keys {
		out[i] = s.points[k]
	}
	slices.SortStableFunc(out, func(a, b types.WritePoint) int {
		return cmp.Or(cmp.Compare(a.Tags["area"], b.Tags["area"]), a.Timestamp.Compare(b.Timestamp))
	})
	return out
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func (s *Memory) Close() error {
	return nil
}
