package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/normalize"
	"github.com/angas/nordpool2influx/planner"
	"github.com/angas/nordpool2influx/types"
)

// State of one area's pipeline run.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StatePlanning
	StateWriting
	StateRetryPending
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{"idle", "fetching", "normalizing", "planning", "writing", "retry_pending", "succeeded", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type RetryPolicy struct {
	MaxAttempts int           // Attempts per fetch and per batch write, including the first
	BaseDelay   time.Duration // First backoff delay, doubled per retry
	MaxDelay    time.Duration // Cap of a single backoff delay
}

func (r RetryPolicy) backoff() retry.Backoff {
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	b := retry.WithJitterPercent(10, retry.NewExponential(base))
	if r.MaxDelay > 0 {
		b = retry.WithCappedDuration(r.MaxDelay, b)
	}
	return b
}

func (r RetryPolicy) maxAttempts() int {
	return max(r.MaxAttempts, 1)
}

// Outcome of one pipeline run for an area and delivery date.
type Outcome struct {
	Area         types.BiddingArea
	Date         delivery.Date
	State        State // StateSucceeded or StateFailed
	Err          error
	Observations []types.PriceObservation
	Written      int // Points accepted by the sink
	Attempts     int // Fetch and write attempts
}

// Pipeline moves one area and date through fetch, normalize, plan and write.
// Transient fetch and write errors go through StateRetryPending and back to
// the state that failed, until the attempts of that stage are used up.
type Pipeline struct {
	logger     *slog.Logger
	fetcher    types.PriceFetcher
	normalizer normalize.Normalizer
	planner    planner.Planner
	sink       types.TimeSeriesSink
	retry      RetryPolicy
	sleep      func(ctx context.Context, d time.Duration) error
	onState    func(area types.BiddingArea, s State)
}

func NewPipeline(
	fetcher types.PriceFetcher,
	normalizer normalize.Normalizer,
	pl planner.Planner,
	sink types.TimeSeriesSink,
	policy RetryPolicy,
) *Pipeline {
	return &Pipeline{
		logger:     slog.Default().With("module", "pipeline"),
		fetcher:    fetcher,
		normalizer: normalizer,
		planner:    pl,
		sink:       sink,
		retry:      policy,
		sleep:      sleep,
		onState:    func(types.BiddingArea, State) {},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) Run(ctx context.Context, area types.BiddingArea, date delivery.Date) Outcome {
	logger := p.logger.With(slog.String("area", string(area)), slog.String("date", date.String()))
	out := Outcome{Area: area, Date: date}

	var (
		curve    types.RawPriceCurve
		batches  [][]types.WritePoint
		batch    int   // Next batch to write
		offset   int   // Index of the first point of that batch in the plan
		rejected []int // Plan indices refused by the sink
		attempts int   // Attempts of the current fetch or batch
		lastErr  error
		resume   State
		backoff  = p.retry.backoff()
	)

	fail := func(err error) State {
		out.Err = err
		return StateFailed
	}
	// next resets the attempt counter when a stage completes.
	next := func(s State) State {
		attempts = 0
		backoff = p.retry.backoff()
		return s
	}
	retryOrFail := func(from State, err error) State {
		if types.IsTransient(err) && attempts < p.retry.maxAttempts() {
			lastErr, resume = err, from
			return StateRetryPending
		}
		if types.IsTransient(err) {
			return fail(fmt.Errorf("giving up after %d attempts: %w", attempts, err))
		}
		return fail(err)
	}

	state := StateFetching
	for state != StateSucceeded && state != StateFailed {
		p.onState(area, state)

		switch state {
		case StateFetching:
			attempts++
			out.Attempts++
			c, err := p.fetcher.Fetch(ctx, area, date)
			if err != nil {
				logger.Debug("fetch failed", slog.Int("attempt", attempts), slog.Any("error", err))
				state = retryOrFail(StateFetching, err)
				continue
			}
			curve = c
			state = next(StateNormalizing)

		case StateNormalizing:
			obs, err := p.normalizer.Normalize(curve)
			if err != nil {
				state = fail(err)
				continue
			}
			out.Observations = obs
			state = StatePlanning

		case StatePlanning:
			batches = p.planner.Batches(p.planner.Plan(out.Observations))
			state = StateWriting

		case StateWriting:
			if batch == len(batches) {
				if len(rejected) > 0 {
					state = fail(&types.RejectedPointError{Indices: rejected})
				} else {
					state = StateSucceeded
				}
				continue
			}

			attempts++
			out.Attempts++
			b := batches[batch]
			err := p.sink.Write(ctx, b)

			var rp *types.RejectedPointError
			switch {
			case err == nil:
				out.Written += len(b)
			case errors.As(err, &rp):
				// The rest of the batch is durable, keep going with the next one.
				logger.Warn("sink rejected points", slog.Any("indices", rp.Indices), slog.Any("error", err))
				for _, i := range rp.Indices {
					rejected = append(rejected, offset+i)
				}
				out.Written += len(b) - len(rp.Indices)
			default:
				logger.Debug("write failed", slog.Int("attempt", attempts), slog.Any("error", err))
				state = retryOrFail(StateWriting, err)
				continue
			}
			batch++
			offset += len(b)
			state = next(StateWriting)

		case StateRetryPending:
			d, stop := backoff.Next()
			if stop {
				state = fail(lastErr)
				continue
			}
			logger.Info("retrying after transient error",
				slog.String("stage", resume.String()),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", d),
				slog.Any("error", lastErr))
			if err := p.sleep(ctx, d); err != nil {
				state = fail(err)
				continue
			}
			state = resume
		}
	}

	out.State = state
	p.onState(area, state)
	return out
}
