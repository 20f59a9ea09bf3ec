package kvstore

import (
	"path/filepath"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/pkg/errors"
)

// Open builds the backend selected by cfg.StorageType for guardian nodeName.
func Open(cfg *config.Config, nodeName string) (Store, error) {
	switch cfg.StorageType {
	case config.StoragePostgres:
		store, err := NewPostgresStore(PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to postgres store", "node", nodeName)
		return store, nil

	case config.StorageBadger, "":
		dbPath := filepath.Join(cfg.DBPath, nodeName)
		store, err := NewBadgerStore(BadgerConfig{
			NodeID:              nodeName,
			EncryptionKey:       []byte(cfg.BadgerPassword),
			BackupEncryptionKey: []byte(cfg.BadgerPassword),
			BackupDir:           cfg.BackupDir,
			DBPath:              dbPath,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to badger kv store", "node", nodeName, "path", dbPath, "backup_dir", cfg.BackupDir)
		return store, nil
	}
	return nil, errors.Errorf("storage type %q is not supported", cfg.StorageType)
}
