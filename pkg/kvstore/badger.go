package kvstore

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEncryptionKeyNotProvided       = errors.New("encryption key not provided")
	ErrBackupEncryptionKeyNotProvided = errors.New("backup encryption key not provided")
)

const maxConflictRetries = 3

type BadgerConfig struct {
	NodeID              string
	EncryptionKey       []byte
	BackupEncryptionKey []byte
	BackupDir           string
	DBPath              string
}

// BadgerStore is the default backend: an encrypted, compressed badger database with synchronous writes.
type BadgerStore struct {
	DB     *badger.DB
	backup *backupExecutor
}

var (
	_ Store    = (*BadgerStore)(nil)
	_ Backuper = (*BadgerStore)(nil)
)

// databaseKey stretches the configured secret to the AES-256 key badger expects.
func databaseKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("guardian badger encryption")), key); err != nil {
		return nil, err
	}
	return key, nil
}

func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	if len(config.EncryptionKey) == 0 {
		return nil, ErrEncryptionKeyNotProvided
	}
	if len(config.BackupEncryptionKey) == 0 {
		return nil, ErrBackupEncryptionKeyNotProvided
	}
	key, err := databaseKey(config.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "derive database key")
	}

	opts := badger.DefaultOptions(config.DBPath).
		WithCompression(options.ZSTD).
		WithEncryptionKey(key).
		WithIndexCacheSize(16 << 20).
		WithBlockCacheSize(32 << 20).
		WithSyncWrites(true).
		WithVerifyValueChecksum(true).
		WithCompactL0OnClose(true).
		WithLogger(quietBadgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	logger.Info("Connected to BadgerDB successfully!", "path", config.DBPath)

	return &BadgerStore{
		DB:     db,
		backup: newBackupExecutor(config.NodeID, db, config.BackupEncryptionKey, config.BackupDir),
	}, nil
}

func (b *BadgerStore) Get(key string) ([]byte, error) {
	var result []byte
	err := b.DB.View(func(txn *badger.Txn) error {
		v, err := badgerTxn{txn}.Get(key)
		result = v
		return err
	})
	return result, err
}

func (b *BadgerStore) Put(key string, value []byte) error {
	return b.Update(func(txn Txn) error { return txn.Put(key, value) })
}

func (b *BadgerStore) Delete(key string) error {
	return b.Update(func(txn Txn) error { return txn.Delete(key) })
}

func (b *BadgerStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// Update retries fn when badger reports a write conflict with a concurrent transaction.
func (b *BadgerStore) Update(fn func(txn Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = b.DB.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Backup writes an encrypted incremental backup and returns its path.
func (b *BadgerStore) Backup() (string, error) {
	if b.backup == nil {
		return "", errors.New("backup executor is not initialized")
	}
	return b.backup.Execute()
}

func (b *BadgerStore) Close() error {
	return b.DB.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// quietBadgerLogger forwards warnings and errors only.
type quietBadgerLogger struct{}

func (quietBadgerLogger) Errorf(format string, args ...any) {
	logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), nil, "component", "badger")
}

func (quietBadgerLogger) Warningf(format string, args ...any) {
	logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (quietBadgerLogger) Infof(string, ...any)  {}
func (quietBadgerLogger) Debugf(string, ...any) {}
