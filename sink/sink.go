// Package sink writes time-series points to InfluxDB, SQLite or memory.
// Every sink upserts by point identity: writing a point again with the same
// measurement, tags and timestamp replaces its fields.
package sink

import (
	"errors"
	"fmt"
	"math"

	"github.com/angas/nordpool2influx/types"
)

var reservedKeys = map[string]bool{"time": true, "_field": true, "_measurement": true}

// validate reports why a point can not be stored, nil if it can.
func validate(p types.WritePoint) error {
	if p.Measurement == "" {
		return errors.New("empty measurement")
	}
	if p.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	for k, v := range p.Tags {
		switch {
		case k == "" || reservedKeys[k]:
			return fmt.Errorf("invalid tag key %q", k)
		case v == "":
			return fmt.Errorf("empty value for tag %q", k)
		}
	}
	if len(p.Fields) == 0 {
		return errors.New("no fields")
	}
	for k, v := range p.Fields {
		if k == "" || reservedKeys[k] {
			return fmt.Errorf("invalid field key %q", k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("field %q is not a finite number", k)
		}
	}
	return nil
}

// partition splits a batch in the points that can be written, with their
// batch indices, and a RejectedPointError for the rest.
func partition(batch []types.WritePoint) ([]types.WritePoint, []int, *types.RejectedPointError) {
	valid := make([]types.WritePoint, 0, len(batch))
	indices := make([]int, 0, len(batch))
	var rejected *types.RejectedPointError

	for i, p := range batch {
		if err := validate(p); err != nil {
			if rejected == nil {
				rejected = &types.RejectedPointError{Err: err}
			}
			rejected.Indices = append(rejected.Indices, i)
			continue
		}
		valid = append(valid, p)
		indices = append(indices, i)
	}
	return valid, indices, rejected
}

// result combines a write error with the validation rejects. A write error
// wins since it concerns the points that passed validation.
func result(err error, rejected *types.RejectedPointError) error {
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}
	return nil
}
