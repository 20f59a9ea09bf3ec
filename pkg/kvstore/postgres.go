package kvstore

import (
	"database/sql"
	"strings"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresConfig struct {
	DSN             string        `json:"dsn"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	MaxOpenConns    int           `json:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// Record is one row of the guardian key-value table. Values are sealed by the share store before they
// reach the database.
type Record struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     []byte    `gorm:"column:value"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Record) TableName() string {
	return "guardian_records"
}

// PostgresStore is the managed-database backend.
type PostgresStore struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}
	return newPostgresStore(db, cfg)
}

func newPostgresStore(db *gorm.DB, cfg PostgresConfig) (*PostgresStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "retrieve sql.DB from gorm")
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "auto-migrate guardian_records")
	}
	logger.Info("Connected to PostgreSQL successfully!")
	return &PostgresStore{db: db, sqlDB: sqlDB}, nil
}

func (s *PostgresStore) Get(key string) ([]byte, error) {
	return postgresTxn{s.db}.Get(key)
}

func (s *PostgresStore) Put(key string, value []byte) error {
	return postgresTxn{s.db}.Put(key, value)
}

func (s *PostgresStore) Delete(key string) error {
	return postgresTxn{s.db}.Delete(key)
}

func (s *PostgresStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.Model(&Record{}).
		Where("key LIKE ? ESCAPE '\\'", likePrefix(prefix)).
		Order("key").
		Pluck("key", &keys).Error
	return keys, err
}

// Update runs fn in a database transaction. Rows read through the transaction are locked until commit.
func (s *PostgresStore) Update(fn func(txn Txn) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(postgresTxn{tx.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{})})
	})
}

func (s *PostgresStore) Close() error {
	if s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type postgresTxn struct {
	db *gorm.DB
}

func (t postgresTxn) Get(key string) ([]byte, error) {
	var rec Record
	err := t.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (t postgresTxn) Put(key string, value []byte) error {
	rec := Record{Key: key, Value: append([]byte(nil), value...)}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (t postgresTxn) Delete(key string) error {
	return t.db.Delete(&Record{}, "key = ?", key).Error
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
