package types

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() core.ThresholdPolicy {
	return core.ThresholdPolicy{
		TotalParticipants: 3,
		Threshold:         2,
		Participants: []core.Participant{
			{ID: "guardian-1", Index: 1},
			{ID: "guardian-2", Index: 2},
			{ID: "guardian-3", Index: 3},
		},
	}
}

func TestRaw_ExcludesSignature(t *testing.T) {
	msg := &SigningMessage{
		SessionParams: SessionParams{SessionID: "s-1", KeyID: "key-1", TimeoutSeconds: 30},
		Policy:        testPolicy(),
		TxID:          "tx-1",
		Tx:            []byte("payload"),
		Initiator:     "coordinator",
	}
	unsigned, err := msg.Raw()
	require.NoError(t, err)

	msg.Signature = []byte("signature")
	signed, err := msg.Raw()
	require.NoError(t, err)
	assert.Equal(t, unsigned, signed)
	assert.Equal(t, []byte("signature"), msg.Sig())
	assert.Equal(t, "coordinator", msg.InitiatorID())

	var fields map[string]any
	require.NoError(t, json.Unmarshal(signed, &fields))
	assert.NotContains(t, fields, "signature")
	// embedded session params are flattened
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, "key-1", fields["key_id"])
}

func TestRaw_CoversEveryField(t *testing.T) {
	a := &ResharingMessage{
		SessionParams: SessionParams{SessionID: "s-1", KeyID: "key-1"},
		Recovery:      core.RecoveryRequest{KeyID: "key-1", ReplacedIndex: 2},
		Initiator:     "coordinator",
	}
	b := *a
	b.Recovery.ReplacedIndex = 3

	rawA, err := a.Raw()
	require.NoError(t, err)
	rawB, err := b.Raw()
	require.NoError(t, err)
	assert.NotEqual(t, rawA, rawB)
}

func TestResponse_SignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	resp := &Response{Type: RequestSign, SessionID: "s-1", GuardianID: "guardian-1", Status: StatusCompleted, Signature: []byte("sig")}
	raw, err := resp.Raw()
	require.NoError(t, err)
	resp.GuardianSignature = ed25519.Sign(priv, raw)

	again, err := resp.Raw()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, again, resp.Sig()))
	assert.Equal(t, "guardian-1", resp.InitiatorID())
}

func TestSessionParams_Timeout(t *testing.T) {
	assert.Zero(t, SessionParams{}.Timeout())
	assert.Equal(t, "45s", SessionParams{TimeoutSeconds: 45}.Timeout().String())
}
