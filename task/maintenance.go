package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/angas/nordpool2influx/config"
	"github.com/angas/nordpool2influx/database"
)

func NewMaintenanceTask(logger *slog.Logger, db *database.Database, cnfg *config.AppConfig) func() {
	return func() {
		logger.Debug("running maintenance task...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if file, err := db.Backup(ctx); err != nil {
			logger.Error("database backup error", slog.Any("error", err))
		} else {
			logger.Info("database backed up", slog.String("file", file))
		}

		if n, err := db.PurgeBackups(ctx, cnfg.Database.BackupRetentionDays); err != nil {
			logger.Error("backup maintenance error", slog.Any("error", err))
		} else if n > 0 {
			logger.Info("old backups deleted", slog.Int("count", n))
		}

		if err := db.PurgeLog(ctx, cnfg.Logging.DbMaxEntries); err != nil {
			logger.Error("log maintenance error", slog.Any("error", err))
		}

		if err := db.PurgePricePoints(ctx, cnfg.Database.DataRetentionDays); err != nil {
			logger.Error("price_point maintenance error", slog.Any("error", err))
		}

		if err := db.PurgeRunRecords(ctx, cnfg.Database.DataRetentionDays); err != nil {
			logger.Error("run_record maintenance error", slog.Any("error", err))
		}

		logger.Info("maintenance task done")
	}
}
