package kvstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/dgraph-io/badger/v4"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/pkg/errors"
)

// backupExecutor streams badger's incremental backups through age scrypt encryption.
type backupExecutor struct {
	nodeID     string
	db         *badger.DB
	passphrase string
	dir        string

	mu    sync.Mutex
	since uint64
}

func newBackupExecutor(nodeID string, db *badger.DB, key []byte, dir string) *backupExecutor {
	return &backupExecutor{nodeID: nodeID, db: db, passphrase: string(key), dir: dir}
}

func (e *backupExecutor) Execute() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0750); err != nil {
		return "", errors.Wrap(err, "create backup directory")
	}
	name := fmt.Sprintf("%s-%s-%d.badger.age", e.nodeID, time.Now().UTC().Format("20060102T150405Z"), e.since)
	path := filepath.Join(e.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", errors.Wrap(err, "create backup file")
	}
	defer f.Close()

	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return "", errors.Wrap(err, "backup recipient")
	}
	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return "", errors.Wrap(err, "backup encryption")
	}
	next, err := e.db.Backup(w, e.since)
	if err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "badger backup")
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "finalize backup")
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "sync backup")
	}

	logger.Info("BadgerDB backup written", "path", path, "since", e.since, "version", next)
	e.since = next
	return path, nil
}

// Restore loads an encrypted backup written by Backup into b.
func (b *BadgerStore) Restore(r io.Reader, passphrase []byte) error {
	id, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return errors.Wrap(err, "backup identity")
	}
	plain, err := age.Decrypt(r, id)
	if err != nil {
		return errors.Wrap(err, "decrypt backup")
	}
	return errors.Wrap(b.DB.Load(plain, 256), "load backup")
}
