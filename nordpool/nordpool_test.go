package nordpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

func stockholm(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)
	return loc
}

func hourlyResponse(area string, date delivery.Date, loc *time.Location, hours int) dayAheadPrices {
	start := date.Start(loc).UTC()
	entries := make([]multiAreaEntry, 0, hours)
	for i := range hours {
		s := start.Add(time.Duration(i) * time.Hour)
		entries = append(entries, multiAreaEntry{
			DeliveryStart: s,
			DeliveryEnd:   s.Add(time.Hour),
			EntryPerArea:  map[string]json.RawMessage{area: json.RawMessage(fmt.Sprintf("%d.25", 10+i))},
		})
	}
	return dayAheadPrices{
		DeliveryDateCET:  date.String(),
		DeliveryAreas:    []string{area},
		Market:           "DayAhead",
		MultiAreaEntries: entries,
		Currency:         "EUR",
		AreaStates:       []areaState{{State: "Final", Areas: []string{area}}},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, now time.Time) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:        srv.URL,
		Currency:       "EUR",
		Location:       stockholm(t),
		RequestTimeout: 5 * time.Second,
		MaxHorizonDays: 1,
	})
	c.now = func() time.Time { return now }
	return c
}

func TestFetch(t *testing.T) {
	loc := stockholm(t)
	date := delivery.New(2025, time.January, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/DayAheadPrices", r.URL.Path)
		assert.Equal(t, "2025-01-16", r.URL.Query().Get("date"))
		assert.Equal(t, "SE3", r.URL.Query().Get("deliveryArea"))
		assert.Equal(t, "EUR", r.URL.Query().Get("currency"))
		assert.Equal(t, "DayAhead", r.URL.Query().Get("market"))
		_ = json.NewEncoder(w).Encode(hourlyResponse("SE3", date, loc, 24))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC))
	curve, err := c.Fetch(context.Background(), "SE3", date)
	require.NoError(t, err)

	assert.Equal(t, types.BiddingArea("SE3"), curve.Area)
	assert.Equal(t, date, curve.Date)
	assert.Equal(t, "MWh", curve.EnergyUnit)
	assert.Equal(t, "nordpool", curve.Provider)
	require.Len(t, curve.Intervals, 24)

	first := curve.Intervals[0]
	assert.Equal(t, "2025-01-16 00:00", first.LocalStart.Format("2006-01-02 15:04"))
	assert.Equal(t, "10.25", first.Price)
	assert.Equal(t, "EUR", first.Currency)
	assert.Equal(t, 60, first.ResolutionMinutes)
	assert.Equal(t, "2025-01-16 23:00", curve.Intervals[23].LocalStart.Format("2006-01-02 15:04"))
}

func TestFetchSortsEntriesAndSkipsOtherAreas(t *testing.T) {
	loc := stockholm(t)
	date := delivery.New(2025, time.January, 16)

	resp := hourlyResponse("SE3", date, loc, 3)
	resp.MultiAreaEntries[0], resp.MultiAreaEntries[2] = resp.MultiAreaEntries[2], resp.MultiAreaEntries[0]
	resp.MultiAreaEntries = append(resp.MultiAreaEntries, multiAreaEntry{
		DeliveryStart: date.Start(loc).Add(5 * time.Hour),
		DeliveryEnd:   date.Start(loc).Add(6 * time.Hour),
		EntryPerArea:  map[string]json.RawMessage{"SE4": json.RawMessage("1")},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC))
	curve, err := c.Fetch(context.Background(), "SE3", date)
	require.NoError(t, err)
	require.Len(t, curve.Intervals, 3)
	assert.Equal(t, "10.25", curve.Intervals[0].Price)
	assert.Equal(t, "12.25", curve.Intervals[2].Price)
}

func TestFetchErrors(t *testing.T) {
	date := delivery.New(2025, time.January, 16)
	now := time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "no content means not yet published",
			status: http.StatusNoContent,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsNotYetPublished(err))
			},
		},
		{
			name:   "empty entries means not yet published",
			status: http.StatusOK,
			body:   `{"multiAreaEntries":[],"currency":"EUR"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsNotYetPublished(err))
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var tf *types.TransientFetchError
				assert.ErrorAs(t, err, &tf)
			},
		},
		{
			name:   "rate limit is transient",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsTransient(err))
			},
		},
		{
			name:   "bad request is permanent",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var pf *types.PermanentFetchError
				assert.ErrorAs(t, err, &pf)
			},
		},
		{
			name:   "undecodable body is permanent",
			status: http.StatusOK,
			body:   `<html>maintenance</html>`,
			check: func(t *testing.T, err error) {
				var pf *types.PermanentFetchError
				assert.ErrorAs(t, err, &pf)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer srv.Close()

			c := newTestClient(t, srv, now)
			_, err := c.Fetch(context.Background(), "SE3", date)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFetchValidatesInputWithoutCallingProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	now := time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC)
	c := newTestClient(t, srv, now)

	_, err := c.Fetch(context.Background(), "XX9", delivery.New(2025, time.January, 16))
	var pf *types.PermanentFetchError
	require.ErrorAs(t, err, &pf)

	_, err = c.Fetch(context.Background(), "SE3", delivery.New(2025, time.January, 18))
	require.ErrorAs(t, err, &pf)

	assert.Equal(t, int32(0), calls.Load())
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC))
	c.httpClient.Timeout = 20 * time.Millisecond

	_, err := c.Fetch(context.Background(), "SE3", delivery.New(2025, time.January, 16))
	assert.True(t, types.IsTransient(err))
}
