package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	data, err := EncodeRequest(&SigningMessage{
		SessionParams: SessionParams{SessionID: "s-1", KeyID: "key-1"},
		Policy:        testPolicy(),
		TxID:          "tx-1",
		Tx:            []byte{0x01, 0x02},
		Initiator:     "coordinator",
		Signature:     []byte("sig"),
	})
	require.NoError(t, err)

	typ, m, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, RequestSign, typ)
	sm, ok := m.(*SigningMessage)
	require.True(t, ok)
	assert.Equal(t, "tx-1", sm.TxID)
	assert.Equal(t, []byte{0x01, 0x02}, sm.Tx)
	assert.Equal(t, 2, sm.Policy.Threshold)
	assert.Equal(t, []byte("sig"), sm.Sig())
}

func TestDecodeRequest_Rejects(t *testing.T) {
	_, _, err := DecodeRequest([]byte("{"))
	assert.Error(t, err)

	typ, _, err := DecodeRequest([]byte(`{"type":"mint","payload":{}}`))
	assert.Error(t, err)
	assert.Equal(t, RequestType("mint"), typ)

	_, _, err = DecodeRequest([]byte(`{"type":"abort","payload":"not an object"}`))
	assert.Error(t, err)
}

func TestEncodeRequest_UnknownMessage(t *testing.T) {
	_, err := EncodeRequest(&Response{})
	assert.Error(t, err)
}

func TestDecodeRequest_ImportAndKeyshareInfo(t *testing.T) {
	data, err := EncodeRequest(&ImportMessage{
		SessionParams: SessionParams{SessionID: "imp-1", KeyID: "cold-wallet"},
		Policy:        testPolicy(),
		Share:         []byte("sealed"),
		Initiator:     "coordinator",
	})
	require.NoError(t, err)
	typ, m, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, RequestImport, typ)
	im, ok := m.(*ImportMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("sealed"), im.Share)
	assert.Equal(t, "cold-wallet", im.KeyID)

	data, err = EncodeRequest(&KeyshareInfoMessage{SessionID: "info-1", Initiator: "coordinator"})
	require.NoError(t, err)
	typ, m, err = DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, RequestKeyshares, typ)
	assert.Equal(t, "coordinator", m.InitiatorID())
}
