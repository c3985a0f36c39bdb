package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
	"github.com/angas/nordpool2influx/types/maybe"
)

const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
	TriggerRetry    = "retry"
	TriggerManual   = "manual"
)

type SchedulerConfig struct {
	Areas              []types.BiddingArea
	DeliveryDays       []int          // Offsets from today in market time
	Location           *time.Location // Market time zone
	RetryInterval      time.Duration  // Delay of the expedited retry after not yet published
	MaxConcurrentAreas int
}

type Status struct {
	Areas         []AreaStatus           `json:"areas"`
	NextScheduled maybe.Maybe[time.Time] `json:"nextScheduled"`
}

type trigger struct {
	reason string
	areas  []types.BiddingArea
}

// Scheduler runs the price pipeline for every configured area when
// triggered, by the cron cadence, an expedited retry or a manual request.
// Areas run concurrently up to MaxConcurrentAreas, and never two runs of
// the same area at once.
type Scheduler struct {
	logger    *slog.Logger
	cnfg      SchedulerConfig
	pipeline  *Pipeline
	registry  *RunRegistry
	history   RunHistory
	triggers  chan trigger
	sem       chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
	mu        sync.RWMutex
	observers []Observer
	cadence   func() time.Time
}

func NewScheduler(cnfg SchedulerConfig, pipeline *Pipeline, history RunHistory) *Scheduler {
	if cnfg.Location == nil {
		cnfg.Location = time.UTC
	}
	if len(cnfg.DeliveryDays) == 0 {
		cnfg.DeliveryDays = []int{0, 1}
	}
	if history == nil {
		history = NoopHistory{}
	}

	registry := NewRunRegistry(cnfg.Areas)
	pipeline.onState = registry.SetState

	return &Scheduler{
		logger:   slog.Default().With("module", "scheduler"),
		cnfg:     cnfg,
		pipeline: pipeline,
		registry: registry,
		history:  history,
		triggers: make(chan trigger, 32),
		sem:      make(chan struct{}, max(cnfg.MaxConcurrentAreas, 1)),
		now:      time.Now,
		cadence:  func() time.Time { return time.Time{} },
	}
}

func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// SetCadence sets the function reporting when the next regular run fires.
func (s *Scheduler) SetCadence(next func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cadence = next
}

func (s *Scheduler) nextScheduled() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cadence()
}

func (s *Scheduler) Registry() *RunRegistry {
	return s.registry
}

// Trigger queues a run for the given areas, all configured areas if none
// are given. It returns false if the queue is full.
func (s *Scheduler) Trigger(reason string, areas ...types.BiddingArea) bool {
	select {
	case s.triggers <- trigger{reason: reason, areas: areas}:
		return true
	default:
		s.logger.Warn("trigger queue full, dropping trigger", slog.String("trigger", reason))
		return false
	}
}

// Run consumes triggers until ctx is done, then cancels pending retries and
// waits for running areas to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Any("areas", s.cnfg.Areas))
	defer func() {
		s.registry.Stop()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.triggers:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.RunOnce(ctx, t.reason, t.areas...)
			}()
		}
	}
}

// RunOnce runs the given areas, all configured areas if none are given,
// and returns the run record once every area has finished.
func (s *Scheduler) RunOnce(ctx context.Context, reason string, areas ...types.BiddingArea) types.RunRecord {
	if len(areas) == 0 {
		areas = s.cnfg.Areas
	}

	rec := types.RunRecord{
		ID:          uuid.New(),
		Trigger:     reason,
		TriggerTime: s.now(),
		Failed:      make(map[types.BiddingArea]string),
	}
	logger := s.logger.With(slog.String("run", rec.ID.String()), slog.String("trigger", reason))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, area := range areas {
		release, ok := s.registry.TryAcquire(area)
		if !ok {
			logger.Info("area already running, skipping", slog.String("area", string(area)))
			rec.Skipped = append(rec.Skipped, area)
			continue
		}
		rec.Attempted = append(rec.Attempted, area)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()

			failure := types.ReasonCancelled
			select {
			case s.sem <- struct{}{}:
				failure = s.safeRunArea(ctx, logger, area)
				<-s.sem
			case <-ctx.Done():
				s.registry.Finish(area, s.now(), failure, ctx.Err())
			}

			mu.Lock()
			defer mu.Unlock()
			if failure == "" {
				rec.Succeeded = append(rec.Succeeded, area)
			} else {
				rec.Failed[area] = failure
			}
		}()
	}
	wg.Wait()

	slices.Sort(rec.Succeeded)
	rec.FinishedAt = s.now()
	rec.NextScheduled = s.nextRun(rec.Attempted)
	s.record(rec)

	logger.Info("run finished",
		slog.Any("succeeded", rec.Succeeded),
		slog.Any("failed", rec.Failed),
		slog.Any("skipped", rec.Skipped),
		slog.Duration("duration", rec.FinishedAt.Sub(rec.TriggerTime)))

	return rec
}

func (s *Scheduler) record(rec types.RunRecord) {
	s.registry.Record(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.history.SaveRunRecord(ctx, rec); err != nil {
		s.logger.Error("saving run record", slog.Any("error", err))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.observers {
		o.RunFinished(rec)
	}
}

// nextRun is the earliest of the next cron run and any retry armed for areas.
func (s *Scheduler) nextRun(areas []types.BiddingArea) time.Time {
	next := s.nextScheduled()
	for _, area := range areas {
		retry := s.registry.AreaStatus(area).NextRetry
		if retry.IsValid() && (next.IsZero() || retry.Value().Before(next)) {
			next = retry.Value()
		}
	}
	return next
}

// safeRunArea records a panic in a fetcher or sink as a failed area.
func (s *Scheduler) safeRunArea(ctx context.Context, logger *slog.Logger, area types.BiddingArea) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("area run panicked",
				slog.String("area", string(area)),
				slog.Any("error", err),
				slog.String("stack", string(debug.Stack())))
			s.registry.Finish(area, s.now(), types.ReasonUnknown, err)
			reason = types.ReasonUnknown
		}
	}()
	return s.runArea(ctx, logger, area)
}

// runArea runs the pipeline for every delivery day of the area and returns
// the failure reason, empty on success. A fatal write error stops the
// remaining days. Not yet published prices arm an expedited retry.
func (s *Scheduler) runArea(ctx context.Context, logger *slog.Logger, area types.BiddingArea) string {
	logger = logger.With(slog.String("area", string(area)))
	s.registry.CancelRetry(area)

	today := delivery.FromTime(s.now(), s.cnfg.Location)
	var failure error
	notYetPublished := false

	for _, offset := range s.cnfg.DeliveryDays {
		date := today.Add(offset)
		out := s.pipeline.Run(ctx, area, date)

		if out.State == StateSucceeded {
			logger.Info("prices written", slog.String("date", date.String()), slog.Int("points", out.Written))
			s.notifyPrices(area, date, out.Observations)
			continue
		}

		if types.IsNotYetPublished(out.Err) {
			notYetPublished = true
			logger.Info("prices not yet published", slog.String("date", date.String()))
		} else {
			logger.Error("area run failed", slog.String("date", date.String()), slog.Any("error", out.Err))
		}
		// Any other failure is more telling than not yet published.
		if failure == nil || (types.IsNotYetPublished(failure) && !types.IsNotYetPublished(out.Err)) {
			failure = out.Err
		}

		var fatal *types.FatalWriteError
		if errors.As(out.Err, &fatal) || ctx.Err() != nil {
			break
		}
	}

	reason := types.Reason(failure)
	s.registry.Finish(area, s.now(), reason, failure)

	if notYetPublished && ctx.Err() == nil {
		s.scheduleRetry(area)
	}
	return reason
}

func (s *Scheduler) scheduleRetry(area types.BiddingArea) {
	d := max(s.cnfg.RetryInterval, time.Minute)
	now := s.now()
	if next := s.nextScheduled(); !next.IsZero() && next.Before(now.Add(d)) {
		s.logger.Debug("regular run comes before the retry", slog.String("area", string(area)), slog.Time("next", next))
		return
	}
	s.logger.Info("scheduling expedited retry", slog.String("area", string(area)), slog.Duration("in", d))
	s.registry.ScheduleRetry(area, now, d, func() {
		s.Trigger(TriggerRetry, area)
	})
}

func (s *Scheduler) notifyPrices(area types.BiddingArea, date delivery.Date, obs []types.PriceObservation) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.observers {
		o.PricesWritten(area, date, obs)
	}
}

func (s *Scheduler) Status() Status {
	st := Status{Areas: s.registry.Status()}
	if next := s.nextScheduled(); !next.IsZero() {
		st.NextScheduled = maybe.Some(next)
	}
	return st
}

// Runs returns the latest run records, newest first, from the history when
// it has any and from memory otherwise.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]types.RunRecord, error) {
	runs, err := s.history.GetRunRecords(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		return runs, nil
	}
	return s.registry.Runs(limit), nil
}
