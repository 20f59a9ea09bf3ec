package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadger(t *testing.T, dir string) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(BadgerConfig{
		NodeID:              "guardian-1",
		EncryptionKey:       []byte("badger-password"),
		BackupEncryptionKey: []byte("badger-password"),
		BackupDir:           filepath.Join(dir, "backups"),
		DBPath:              filepath.Join(dir, "db"),
	})
	require.NoError(t, err)
	return store
}

func backends(t *testing.T) map[string]Store {
	badgerStore := newBadger(t, t.TempDir())
	t.Cleanup(func() { badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestStore_CRUD(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("share/w/1/v1")
			assert.True(t, errors.Is(err, ErrKeyNotFound))

			require.NoError(t, store.Put("share/w/1/v1", []byte("a")))
			require.NoError(t, store.Put("share/w/1/v2", []byte("b")))
			require.NoError(t, store.Put("meta/w/1", []byte("m")))

			v, err := store.Get("share/w/1/v1")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), v)

			keys, err := store.Keys("share/w/")
			require.NoError(t, err)
			assert.Equal(t, []string{"share/w/1/v1", "share/w/1/v2"}, keys)

			require.NoError(t, store.Delete("share/w/1/v1"))
			_, err = store.Get("share/w/1/v1")
			assert.True(t, errors.Is(err, ErrKeyNotFound))
		})
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put("meta", []byte("v1")))

			boom := errors.New("crash before commit")
			err := store.Update(func(txn Txn) error {
				if err := txn.Put("share/v2", []byte("new")); err != nil {
					return err
				}
				if err := txn.Put("meta", []byte("v2")); err != nil {
					return err
				}
				return boom
			})
			assert.Equal(t, boom, err)

			v, err := store.Get("meta")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)
			_, err = store.Get("share/v2")
			assert.True(t, errors.Is(err, ErrKeyNotFound))

			require.NoError(t, store.Update(func(txn Txn) error {
				cur, err := txn.Get("meta")
				if err != nil {
					return err
				}
				if err := txn.Delete("meta"); err != nil {
					return err
				}
				return txn.Put("meta-prev", cur)
			}))
			v, err = store.Get("meta-prev")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)
			_, err = store.Get("meta")
			assert.True(t, errors.Is(err, ErrKeyNotFound))
		})
	}
}

func TestMemoryTxn_ReadYourWrites(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Update(func(txn Txn) error {
		require.NoError(t, txn.Put("k", []byte("1")))
		v, err := txn.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		require.NoError(t, txn.Delete("k"))
		_, err = txn.Get("k")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
		return nil
	}))
}

func TestBadger_RequiresKeys(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{DBPath: t.TempDir()})
	assert.Equal(t, ErrEncryptionKeyNotProvided, err)

	_, err = NewBadgerStore(BadgerConfig{DBPath: t.TempDir(), EncryptionKey: []byte("k")})
	assert.Equal(t, ErrBackupEncryptionKeyNotProvided, err)
}

func TestBadger_BackupRestore(t *testing.T) {
	source := newBadger(t, t.TempDir())
	defer source.Close()
	require.NoError(t, source.Put("share/w/1/v1", []byte("sealed")))

	path, err := source.Backup()
	require.NoError(t, err)
	assert.FileExists(t, path)

	target := newBadger(t, t.TempDir())
	defer target.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, target.Restore(f, []byte("badger-password")))

	v, err := target.Get("share/w/1/v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), v)
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `share/wallet\_1/%`, likePrefix("share/wallet_1/"))
	assert.Equal(t, `100\%%`, likePrefix("100%"))
}
