package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"

	"github.com/angas/nordpool2influx/delivery"
	"github.com/angas/nordpool2influx/elprisetjustnu"
	"github.com/angas/nordpool2influx/nordpool"
	"github.com/angas/nordpool2influx/normalize"
	"github.com/angas/nordpool2influx/types"
)

// Fetches and normalizes one day of prices and prints them, nothing is written.
func main() {
	area := flag.String("area", "SYS", "bidding area")
	date := flag.String("date", "", "delivery date YYYY-MM-DD, default tomorrow")
	provider := flag.String("provider", "nordpool", "nordpool or elprisetjustnu")
	currency := flag.String("currency", "EUR", "currency")
	timezone := flag.String("tz", "Europe/Oslo", "market time zone")
	asJSON := flag.Bool("json", false, "print json")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		fail(err)
	}

	d := delivery.Tomorrow(loc)
	if *date != "" {
		if d, err = delivery.Parse(*date); err != nil {
			fail(err)
		}
	}

	var fetcher types.PriceFetcher
	switch *provider {
	case "nordpool":
		fetcher = nordpool.New(nordpool.Config{Currency: *currency, Location: loc, MaxHorizonDays: 1})
	case "elprisetjustnu":
		fetcher = elprisetjustnu.New("", *currency, loc, 30*time.Second)
	default:
		fail(fmt.Errorf("unknown provider %q", *provider))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	curve, err := fetcher.Fetch(ctx, types.BiddingArea(*area), d)
	if err != nil {
		fail(err)
	}
	obs, err := normalize.Default().Normalize(curve)
	if err != nil {
		fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(obs); err != nil {
			fail(err)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL\tUTC\tPRICE\tCURRENCY/MWh")
	for _, o := range obs {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n",
			o.Timestamp.In(loc).Format("2006-01-02 15:04 MST"),
			o.Timestamp.Format(time.RFC3339),
			o.Price,
			o.Currency)
	}
	w.Flush()
}

func fail(err error) {
	slog.Error("fetch failed", slog.Any("error", err), slog.String("reason", types.Reason(err)))
	os.Exit(1)
}
