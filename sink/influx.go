package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/angas/nordpool2influx/types"
)

type InfluxConfig struct {
	URL     string
	Token   string // "username:password" for InfluxDB 1.x
	Org     string // Ignored by InfluxDB 1.x
	Bucket  string // "database/retention_policy" for InfluxDB 1.x
	Timeout time.Duration
}

// Influx writes points through the InfluxDB v2 write API, which InfluxDB
// 1.8+ also serves. The client is safe for concurrent use.
type Influx struct {
	logger   *slog.Logger
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInflux(cnfg InfluxConfig) *Influx {
	timeout := cnfg.Timeout
	if timeout < time.Second {
		timeout = 10 * time.Second
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeout / time.Second)).
		SetPrecision(time.Second)

	client := influxdb2.NewClientWithOptions(cnfg.URL, cnfg.Token, opts)
	return &Influx{
		logger:   slog.Default().With("module", "influx"),
		client:   client,
		writeAPI: client.WriteAPIBlocking(cnfg.Org, cnfg.Bucket),
	}
}

func (s *Influx) Write(ctx context.Context, batch []types.WritePoint) error {
	valid, indices, rejected := partition(batch)
	if rejected != nil {
		s.logger.Warn("points rejected before write", slog.Any("indices", rejected.Indices), slog.Any("error", rejected.Err))
	}
	if len(valid) == 0 {
		return result(nil, rejected)
	}

	points := make([]*write.Point, len(valid))
	for i, p := range valid {
		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		points[i] = write.NewPoint(p.Measurement, p.Tags, fields, p.Timestamp)
	}

	err := s.writeAPI.WritePoint(ctx, points...)
	if err == nil {
		s.logger.Debug("points written", slog.Int("count", len(points)))
		return result(nil, rejected)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	werr := classify(err, indices)
	var rp *types.RejectedPointError
	if errors.As(werr, &rp) && rejected != nil {
		rp.Indices = mergeIndices(rejected.Indices, rp.Indices)
	}
	return werr
}

// classify maps an InfluxDB write failure onto the write error taxonomy.
// sent holds the batch indices of the points in the failed request.
func classify(err error, sent []int) error {
	var he *influxhttp.Error
	if !errors.As(err, &he) || he.StatusCode == 0 {
		return &types.TransientWriteError{Err: err}
	}

	switch code := he.StatusCode; {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &types.RejectedPointError{Indices: sent, Err: err}
	case code == http.StatusTooManyRequests || code >= 500:
		return &types.TransientWriteError{Err: err}
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusRequestEntityTooLarge:
		return &types.FatalWriteError{Err: fmt.Errorf("status %d: %w", code, err)}
	default:
		return &types.FatalWriteError{Err: fmt.Errorf("unexpected status %d: %w", code, err)}
	}
}

func mergeIndices(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if j >= len(b) || (i < len(a) && a[i] < b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	return out
}

// Check pings the server.
func (s *Influx) Check(ctx context.Context) error {
	if _, err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("influxdb ping failed: %w", err)
	}
	return nil
}

func (s *Influx) Close() error {
	s.client.Close()
	return nil
}
