package elprisetjustnu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

const BASE_URL = "https://www.elprisetjustnu.se"

// Areas served by elprisetjustnu.se. Only the Swedish bidding zones are published.
var Areas = []string{"SE1", "SE2", "SE3", "SE4"}

type rawPrice struct {
	SEKPerKWh json.Number `json:"SEK_per_kWh"`
	EURPerKWh json.Number `json:"EUR_per_kWh"`
	EXR       json.Number `json:"EXR"`
	TimeStart time.Time   `json:"time_start"`
	TimeEnd   time.Time   `json:"time_end"`
}

type ElPrisetJustNu struct {
	logger     *slog.Logger
	baseURL    string
	currency   string
	location   *time.Location
	httpClient *http.Client
}

// New returns a fetcher for the given currency, SEK or EUR.
func New(baseURL, currency string, loc *time.Location, timeout time.Duration) *ElPrisetJustNu {
	if baseURL == "" {
		baseURL = BASE_URL
	}
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElPrisetJustNu{
		logger:     slog.Default().With("module", "elprisetjustnu"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		currency:   strings.ToUpper(currency),
		location:   loc,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *ElPrisetJustNu) Name() string {
	return "elprisetjustnu"
}

func (e *ElPrisetJustNu) Fetch(ctx context.Context, area types.BiddingArea, date delivery.Date) (types.RawPriceCurve, error) {
	if !slices.Contains(Areas, string(area)) {
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("area %q is not served", area)}
	}
	if e.currency != "SEK" && e.currency != "EUR" {
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("currency %q is not served", e.currency)}
	}

	url := fmt.Sprintf("%s/api/v1/prices/%d/%02d-%02d_%s.json",
		e.baseURL, date.Year, int(date.Month), date.Day, area)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	e.logger.Debug("fetching prices", slog.String("area", string(area)), slog.String("date", date.String()))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("failed to fetch prices: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.RawPriceCurve{}, &types.NotYetPublishedError{Area: area, Date: date}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	var rawPrices []rawPrice
	if err := json.NewDecoder(resp.Body).Decode(&rawPrices); err != nil {
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if len(rawPrices) == 0 {
		return types.RawPriceCurve{}, &types.NotYetPublishedError{Area: area, Date: date}
	}

	intervals := make([]types.RawInterval, 0, len(rawPrices))
	for _, raw := range rawPrices {
		price := raw.SEKPerKWh
		if e.currency == "EUR" {
			price = raw.EURPerKWh
		}
		intervals = append(intervals, types.RawInterval{
			LocalStart:        raw.TimeStart.In(e.location),
			Price:             price.String(),
			Currency:          e.currency,
			ResolutionMinutes: int(raw.TimeEnd.Sub(raw.TimeStart) / time.Minute),
		})
	}
	slices.SortStableFunc(intervals, func(a, b types.RawInterval) int {
		return a.LocalStart.Compare(b.LocalStart)
	})

	return types.RawPriceCurve{
		Area:       area,
		Date:       date,
		Location:   e.location,
		EnergyUnit: "kWh",
		Provider:   e.Name(),
		Intervals:  intervals,
	}, nil
}
