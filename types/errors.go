package types

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angas/nordpool2influx/delivery"
)

// Reasons recorded for failed areas in a RunRecord.
const (
	ReasonNotYetPublished = "not_yet_published"
	ReasonTransientFetch  = "transient_fetch"
	ReasonPermanentFetch  = "permanent_fetch"
	ReasonMalformedCurve  = "malformed_curve"
	ReasonTransientWrite  = "transient_write"
	ReasonRejectedPoints  = "rejected_points"
	ReasonFatalWrite      = "fatal_write"
	ReasonCancelled       = "cancelled"
	ReasonUnknown         = "unknown"
)

type TransientFetchError struct {
	Area BiddingArea
	Err  error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for %s: %v", e.Area, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

type PermanentFetchError struct {
	Area BiddingArea
	Err  error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch error for %s: %v", e.Area, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// NotYetPublishedError signals that the provider has no prices for the date
// yet. It is not a failure of the provider, the date should be retried later.
type NotYetPublishedError struct {
	Area BiddingArea
	Date delivery.Date
}

func (e *NotYetPublishedError) Error() string {
	return fmt.Sprintf("prices for %s on %s are not yet published", e.Area, e.Date)
}

type MalformedCurveError struct {
	Area   BiddingArea
	Date   delivery.Date
	Reason string
}

func (e *MalformedCurveError) Error() string {
	return fmt.Sprintf("malformed price curve for %s on %s: %s", e.Area, e.Date, e.Reason)
}

type TransientWriteError struct {
	Err error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("transient write error: %v", e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

type FatalWriteError struct {
	Err error
}

func (e *FatalWriteError) Error() string {
	return fmt.Sprintf("fatal write error: %v", e.Err)
}

func (e *FatalWriteError) Unwrap() error { return e.Err }

// RejectedPointError lists the batch indices the sink refused. All other
// points of the batch were written.
type RejectedPointError struct {
	Indices []int
	Err     error
}

func (e *RejectedPointError) Error() string {
	idx := make([]string, len(e.Indices))
	for i, n := range e.Indices {
		idx[i] = fmt.Sprint(n)
	}
	if e.Err == nil {
		return fmt.Sprintf("rejected points [%s]", strings.Join(idx, ","))
	}
	return fmt.Sprintf("rejected points [%s]: %v", strings.Join(idx, ","), e.Err)
}

func (e *RejectedPointError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	var tf *TransientFetchError
	var tw *TransientWriteError
	return errors.As(err, &tf) || errors.As(err, &tw)
}

func IsNotYetPublished(err error) bool {
	var nyp *NotYetPublishedError
	return errors.As(err, &nyp)
}

// Reason maps an error onto the stable reason stored in run records.
func Reason(err error) string {
	var (
		nyp *NotYetPublishedError
		tf  *TransientFetchError
		pf  *PermanentFetchError
		mc  *MalformedCurveError
		tw  *TransientWriteError
		rp  *RejectedPointError
		fw  *FatalWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nyp):
		return ReasonNotYetPublished
	case errors.As(err, &fw):
		return ReasonFatalWrite
	case errors.As(err, &rp):
		return ReasonRejectedPoints
	case errors.As(err, &mc):
		return ReasonMalformedCurve
	case errors.As(err, &pf):
		return ReasonPermanentFetch
	case errors.As(err, &tf):
		return ReasonTransientFetch
	case errors.As(err, &tw):
		return ReasonTransientWrite
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonUnknown
	}
}
