package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/angas/nordpool2influx/config"
	"github.com/angas/nordpool2influx/database"
)

const maintenanceSpec = "30 2 * * *"

type Tasks struct {
	cron            *cron.Cron
	cnfg            *config.AppConfig
	scheduler       *Scheduler
	logger          *slog.Logger
	PriceTask       func()
	MaintenanceTask func() // nil without a database
}

// NewTasks wires the scheduler to the cron cadence. db may be nil, which
// disables the maintenance task.
func NewTasks(scheduler *Scheduler, db *database.Database, cnfg *config.AppConfig, loc *time.Location) *Tasks {
	logger := slog.Default().With("module", "tasks")
	t := &Tasks{
		cron:      cron.New(cron.WithLocation(loc)),
		cnfg:      cnfg,
		scheduler: scheduler,
		logger:    logger,
		PriceTask: func() {
			scheduler.Trigger(TriggerSchedule)
		},
	}
	if db != nil {
		t.MaintenanceTask = NewMaintenanceTask(logger.With(slog.String("task", "maintenance")), db, cnfg)
	}
	return t
}

func (t *Tasks) Run() error {
	id, err := t.cron.AddFunc(t.cnfg.Cadence(), t.PriceTask)
	if err != nil {
		return err
	}
	t.scheduler.SetCadence(func() time.Time {
		return t.cron.Entry(id).Next
	})

	if t.MaintenanceTask != nil {
		if _, err := t.cron.AddFunc(maintenanceSpec, t.MaintenanceTask); err != nil {
			return err
		}
	}
	t.cron.Start()
	t.logger.Info("tasks started", slog.String("cadence", t.cnfg.Cadence()))

	if t.cnfg.RunOnStart {
		t.scheduler.Trigger(TriggerStartup)
	}
	return nil
}

func (t *Tasks) Stop() context.Context {
	return t.cron.Stop()
}
