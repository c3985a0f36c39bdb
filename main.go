package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/angas/nordpool2influx/config"
	"github.com/angas/nordpool2influx/database"
	"github.com/angas/nordpool2influx/elprisetjustnu"
	"github.com/angas/nordpool2influx/logging"
	"github.com/angas/nordpool2influx/nordpool"
	"github.com/angas/nordpool2influx/normalize"
	"github.com/angas/nordpool2influx/notify"
	"github.com/angas/nordpool2influx/planner"
	"github.com/angas/nordpool2influx/sink"
	"github.com/angas/nordpool2influx/task"
	"github.com/angas/nordpool2influx/types"
	"github.com/angas/nordpool2influx/www"
)

var Version = "?.?.?"

func main() {
	defer func() {
		if err := recover(); err != nil {
			exitWithError(slog.Default(), fmt.Errorf("application panicked: %v", err))
		} else {
			slog.Default().Info("application is shutting down...")
		}
	}()

	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log points instead of writing them")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	once := flag.Bool("once", false, "run every area once and exit")
	flag.Parse()

	cnfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if *dryRun {
		cnfg.DryRun = true
	}
	if err := cnfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}

	if *printConfig {
		b, err := cnfg.YAML()
		if err != nil {
			panic(fmt.Sprintf("failed to render config: %v", err))
		}
		_, _ = os.Stdout.Write(b)
		return
	}

	loc, err := cnfg.Nordpool.Location()
	if err != nil {
		panic(fmt.Sprintf("failed to load market time zone: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	consoleLevel := new(slog.LevelVar)
	consoleLevel.Set(cnfg.Logging.GetConsoleLevel())
	consoleHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: time.RFC3339,
	})
	logger := slog.New(consoleHandler)
	slog.SetDefault(logger)
	logger.Debug("nordpool2influx is starting...", slog.String("version", Version))

	var db *database.Database
	dbLevel := new(slog.LevelVar)
	dbLevel.Set(cnfg.Logging.GetDbLevel())
	if cnfg.Database.Path != "" {
		db, err = database.New(ctx, cnfg.Database.Path)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to database: %v", err))
		}
		defer db.Close()

		logger = slog.New(logging.NewMultiHandler(
			consoleHandler,
			logging.NewSQLiteHandler(db, dbLevel, cnfg.Logging.GetDbAttrsFormat())))
		slog.SetDefault(logger)

		// Now we can use the logger to log database operations into the database itself
		db.SetLogger(logger.With("module", "database"))
	}

	cnfg.Watch(func(n *config.AppConfig) {
		consoleLevel.Set(n.Logging.GetConsoleLevel())
		dbLevel.Set(n.Logging.GetDbLevel())
		logger.Info("log levels reloaded",
			slog.String("console", consoleLevel.Level().String()),
			slog.String("db", dbLevel.Level().String()))
	})

	snk := newSink(ctx, logger, cnfg, db)
	defer snk.Close()

	pipeline := task.NewPipeline(
		newFetcher(cnfg, loc),
		normalize.Normalizer{
			Unit:        cnfg.Normalizer.Unit,
			UnitFactors: cnfg.Normalizer.UnitFactors,
			PriceFactor: cnfg.Normalizer.PriceFactor,
			Decimals:    cnfg.Normalizer.Decimals,
		},
		planner.Planner{
			Measurement:  cnfg.InfluxDB.Measurement,
			MaxBatchSize: cnfg.MaxBatchSize,
		},
		snk,
		task.RetryPolicy{
			MaxAttempts: cnfg.MaxRetryAttempts,
			BaseDelay:   cnfg.BackoffBase(),
			MaxDelay:    cnfg.BackoffMax(),
		})

	var history task.RunHistory = task.NoopHistory{}
	if db != nil {
		history = db
	}

	areas := make([]types.BiddingArea, len(cnfg.Areas))
	for i, a := range cnfg.Areas {
		areas[i] = types.BiddingArea(a)
	}

	scheduler := task.NewScheduler(task.SchedulerConfig{
		Areas:              areas,
		DeliveryDays:       cnfg.DeliveryDays,
		Location:           loc,
		RetryInterval:      cnfg.RetryInterval(),
		MaxConcurrentAreas: cnfg.MaxConcurrentAreas,
	}, pipeline, history)

	if *once {
		if rec := scheduler.RunOnce(ctx, task.TriggerManual); !rec.OK() {
			exitWithError(logger, fmt.Errorf("run failed for %d areas", len(rec.Failed)))
		}
		return
	}

	if cnfg.Mqtt.Host == "" {
		logger.Info("no MQTT host, skipping publishing")
	} else if isDevMode() {
		logger.Info("dev mode, skipping MQTT connection")
	} else {
		publisher := notify.New(notify.Config{
			Host:        cnfg.Mqtt.Host,
			Port:        cnfg.Mqtt.Port,
			Username:    cnfg.Mqtt.Username,
			Password:    cnfg.Mqtt.Password,
			ClientId:    cnfg.Mqtt.ClientId,
			TopicPrefix: cnfg.Mqtt.TopicPrefix,
		})
		if err := publisher.Connect(); err != nil {
			logger.Error("MQTT connection error", slog.Any("error", err))
		}
		defer publisher.Disconnect()
		scheduler.AddObserver(publisher)
	}

	serverDone := make(chan struct{})
	if cnfg.Api.Port > 0 {
		server := www.NewServer(scheduler, db, cnfg.Api)
		scheduler.AddObserver(server.Hub())
		go func() {
			defer close(serverDone)
			server.Run(ctx)
		}()
	} else {
		close(serverDone)
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = scheduler.Run(ctx)
	}()

	tasks := task.NewTasks(scheduler, db, cnfg, loc)
	if err := tasks.Run(); err != nil {
		panic(fmt.Sprintf("failed to schedule tasks: %v", err))
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	<-tasks.Stop().Done()
	<-schedulerDone
	<-serverDone
}

func newFetcher(cnfg *config.AppConfig, loc *time.Location) types.PriceFetcher {
	fetchers := []types.PriceFetcher{
		nordpool.New(nordpool.Config{
			BaseURL:           cnfg.Nordpool.BaseUrl,
			Currency:          cnfg.Nordpool.Currency,
			Location:          loc,
			RequestTimeout:    cnfg.Nordpool.RequestTimeout(),
			RequestsPerSecond: cnfg.Nordpool.RequestsPerSecond,
			MaxHorizonDays:    cnfg.Nordpool.MaxHorizonDays,
		}),
	}
	if cnfg.Nordpool.Fallback {
		fetchers = append(fetchers, elprisetjustnu.New(
			cnfg.Nordpool.FallbackBaseUrl,
			cnfg.Nordpool.Currency,
			loc,
			cnfg.Nordpool.RequestTimeout()))
	}
	return task.NewProviders(fetchers...)
}

func newSink(ctx context.Context, logger *slog.Logger, cnfg *config.AppConfig, db *database.Database) types.TimeSeriesSink {
	if cnfg.DryRun {
		logger.Info("dry run, points are logged and not written")
		return sink.NewMemory(true)
	}

	switch cnfg.Sink.Type {
	case config.SinkSQLite:
		return sink.NewSQLite(db)
	case config.SinkMemory:
		return sink.NewMemory(false)
	default:
		influx := sink.NewInflux(sink.InfluxConfig{
			URL:     cnfg.InfluxURL(),
			Token:   cnfg.InfluxDB.AuthToken(),
			Org:     cnfg.InfluxDB.Org,
			Bucket:  cnfg.InfluxDB.Bucket(),
			Timeout: time.Duration(cnfg.InfluxDB.TimeoutSeconds) * time.Second,
		})
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := influx.Check(checkCtx); err != nil {
			logger.Warn("InfluxDB is not reachable yet, writes will be retried", slog.String("url", cnfg.InfluxURL()), slog.Any("error", err))
		}
		return influx
	}
}

func isDevMode() bool {
	return strings.EqualFold(os.Getenv("APP_ENV"), "development")
}

func exitWithError(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("application shutting down with error", slog.Any("error", err))
	}
	if syncer, ok := logger.Handler().(interface{ Sync() error }); ok {
		if syncErr := syncer.Sync(); syncErr != nil {
			logger.Error("failed to flush logger", slog.Any("error", syncErr))
		}
	}

	time.Sleep(2 * time.Second)
	os.Exit(1)
}
