package keyinfo

import (
	"testing"

	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsulStore(t *testing.T) {
	store := NewConsulStore(infra.NewMemoryKV())

	_, err := store.Get("wallet-1")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	ks := &core.KeyShare{
		KeyID:           "wallet-1",
		Version:         1,
		Threshold:       2,
		Participants:    []core.Participant{{ID: "a", Index: 1}, {ID: "b", Index: 2}, {ID: "c", Index: 3}},
		PublicKey:       []byte{0xab, 0xcd},
		ProtocolVersion: "frost-ed25519/v1",
	}
	require.NoError(t, store.Save(FromShare(ks)))
	require.NoError(t, store.Save(FromShare(ks)))

	got, err := store.Get("wallet-1")
	require.NoError(t, err)
	assert.Equal(t, "abcd", got.PublicKey)
	assert.Equal(t, 2, got.Threshold)
	assert.Equal(t, []int{1, 2, 3}, got.Policy().Indices())

	ks.Version = 2
	ks.Participants[1].ID = "d"
	require.NoError(t, store.Save(FromShare(ks)))

	ks.Version = 1
	assert.True(t, errors.Is(store.Save(FromShare(ks)), core.ErrConflict))

	ks.Version = 3
	ks.PublicKey = []byte{0x01}
	assert.True(t, errors.Is(store.Save(FromShare(ks)), core.ErrConflict))

	got, err = store.Get("wallet-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "d", got.Participants[1].ID)
}
