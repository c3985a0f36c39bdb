package nordpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/types"
)

type Config struct {
	BaseURL           string
	Currency          string
	Location          *time.Location // Market time zone the delivery day is defined in
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	MaxHorizonDays    int // How many days ahead of today prices can be requested
}

// Client fetches day-ahead price curves from the Nord Pool data portal.
// It is safe for concurrent use by several area workers.
type Client struct {
	logger     *slog.Logger
	cnfg       Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

func New(cnfg Config) *Client {
	if cnfg.BaseURL == "" {
		cnfg.BaseURL = BASE_URL
	}
	if cnfg.Location == nil {
		cnfg.Location = time.UTC
	}
	if cnfg.RequestTimeout <= 0 {
		cnfg.RequestTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cnfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cnfg.RequestsPerSecond)
	}

	return &Client{
		logger:     slog.Default().With("module", "nordpool"),
		cnfg:       cnfg,
		httpClient: &http.Client{Timeout: cnfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

func (c *Client) Name() string {
	return "nordpool"
}

func (c *Client) Fetch(ctx context.Context, area types.BiddingArea, date delivery.Date) (types.RawPriceCurve, error) {
	if !slices.Contains(Areas, string(area)) {
		return types.RawPriceCurve{}, &types.PermanentFetchError{
			Area: area,
			Err:  fmt.Errorf("unknown delivery area %q", area),
		}
	}

	horizon := delivery.FromTime(c.now(), c.cnfg.Location).Add(c.cnfg.MaxHorizonDays)
	if date.After(horizon) {
		return types.RawPriceCurve{}, &types.PermanentFetchError{
			Area: area,
			Err:  fmt.Errorf("delivery date %s is beyond the publication horizon %s", date, horizon),
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	q := url.Values{}
	q.Set("date", date.String())
	q.Set("market", "DayAhead")
	q.Set("deliveryArea", string(area))
	q.Set("currency", c.cnfg.Currency)
	u := fmt.Sprintf("%s/api/DayAheadPrices?%s", c.cnfg.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("fetching prices", slog.String("area", string(area)), slog.String("date", date.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("failed to fetch prices: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return types.RawPriceCurve{}, &types.NotYetPublishedError{Area: area, Date: date}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return types.RawPriceCurve{}, ctx.Err()
		}
		return types.RawPriceCurve{}, &types.TransientFetchError{Area: area, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var data dayAheadPrices
	if err := json.Unmarshal(body, &data); err != nil {
		return types.RawPriceCurve{}, &types.PermanentFetchError{Area: area, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return c.toCurve(area, date, data)
}

func (c *Client) toCurve(area types.BiddingArea, date delivery.Date, data dayAheadPrices) (types.RawPriceCurve, error) {
	currency := data.Currency
	if currency == "" {
		currency = c.cnfg.Currency
	}

	entries := slices.Clone(data.MultiAreaEntries)
	slices.SortStableFunc(entries, func(a, b multiAreaEntry) int {
		return a.DeliveryStart.Compare(b.DeliveryStart)
	})

	intervals := make([]types.RawInterval, 0, len(entries))
	for _, entry := range entries {
		price, ok := entry.EntryPerArea[string(area)]
		if !ok {
			continue
		}
		intervals = append(intervals, types.RawInterval{
			LocalStart:        entry.DeliveryStart.In(c.cnfg.Location),
			Price:             string(price),
			Currency:          currency,
			ResolutionMinutes: int(entry.DeliveryEnd.Sub(entry.DeliveryStart) / time.Minute),
		})
	}

	if len(intervals) == 0 {
		return types.RawPriceCurve{}, &types.NotYetPublishedError{Area: area, Date: date}
	}

	return types.RawPriceCurve{
		Area:       area,
		Date:       date,
		Location:   c.cnfg.Location,
		EnergyUnit: "MWh",
		Provider:   c.Name(),
		Intervals:  intervals,
	}, nil
}
