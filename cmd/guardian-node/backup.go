package main

import (
	"context"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/logger"
)

const DefaultBackupPeriodSeconds = 300

// StartPeriodicBackup snapshots store every periodSeconds until the returned stop func is called.
func StartPeriodicBackup(ctx context.Context, store kvstore.Backuper, periodSeconds int) func() {
	if periodSeconds <= 0 {
		periodSeconds = DefaultBackupPeriodSeconds
	}
	ticker := time.NewTicker(time.Duration(periodSeconds) * time.Second)
	backupCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-backupCtx.Done():
				logger.Info("Backup background job stopped")
				return
			case <-ticker.C:
				path, err := store.Backup()
				if err != nil {
					logger.Error("Periodic share store backup failed", err)
					continue
				}
				logger.Info("Periodic share store backup completed", "path", path)
			}
		}
	}()
	return cancel
}
