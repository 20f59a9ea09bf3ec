package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/keyinfo"
	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/metrics"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/driver"
	"github.com/fystack/mpcium-guardian/pkg/mpc/eddsa"
	"github.com/fystack/mpcium-guardian/pkg/policy"
	"github.com/fystack/mpcium-guardian/pkg/session"
	"github.com/fystack/mpcium-guardian/pkg/sharestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardSender struct {
	mu   sync.Mutex
	sent int
}

func (d *discardSender) Send(context.Context, string, *core.RoundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent++
	return nil
}

type guardian struct {
	coordinator *Coordinator
	sessions    *session.Manager
	shares      *sharestore.Store
	kv          *kvstore.MemoryStore
	keys        keyinfo.Store
	sender      *discardSender
}

func oldPolicy() core.ThresholdPolicy {
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

func request() core.RecoveryRequest {
	next := oldPolicy()
	next.Participants = []core.Participant{
		{ID: "guardian-1", Index: 1},
		{ID: "guardian-4", Index: 2},
		{ID: "guardian-3", Index: 3},
	}
	return core.RecoveryRequest{
		KeyID:         "wallet",
		ReplacedIndex: 2,
		NewGuardian:   core.Participant{ID: "guardian-4", Index: 2},
		OldPolicy:     oldPolicy(),
		NewPolicy:     next,
	}
}

func newGuardian(t *testing.T, id string, keys keyinfo.Store) *guardian {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	shares, err := sharestore.New(kv, []byte("secret of "+id))
	require.NoError(t, err)
	engine := policy.NewEngine(id, "", nil)
	sender := &discardSender{}
	sessions := session.NewManager(driver.New(eddsa.NewScheme()), engine, sender, time.Minute)
	return &guardian{
		coordinator: NewCoordinator(shares, keys, sessions, engine),
		sessions:    sessions,
		shares:      shares,
		kv:          kv,
		keys:        keys,
		sender:      sender,
	}
}

func snapshot(t *testing.T, kv *kvstore.MemoryStore) map[string][]byte {
	t.Helper()
	keys, err := kv.Keys("")
	require.NoError(t, err)
	out := map[string][]byte{}
	for _, k := range keys {
		v, err := kv.Get(k)
		require.NoError(t, err)
		out[k] = v
	}
	return out
}

func dealt(t *testing.T) (map[int]*core.KeyShare, keyinfo.Store) {
	t.Helper()
	shares, err := eddsa.DealShares("wallet", oldPolicy(), nil, nil)
	require.NoError(t, err)
	keys := keyinfo.NewConsulStore(infra.NewMemoryKV())
	require.NoError(t, keys.Save(keyinfo.FromShare(shares[1])))
	return shares, keys
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	_, keys := dealt(t)

	replaced := newGuardian(t, "guardian-2", keys)
	_, err := replaced.coordinator.Start(Request{Recovery: request()})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	g := newGuardian(t, "guardian-1", keys)
	req := request()
	req.NewPolicy.Threshold = 3
	_, err = g.coordinator.Start(Request{Recovery: req})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	_, err = g.coordinator.Start(Request{Recovery: request()})
	assert.ErrorIs(t, err, core.ErrNotFound, "a dealer needs its share")

	release, err := g.shares.BeginReshare("wallet")
	require.NoError(t, err, "failed starts release the key")
	release()
}

func TestStart_DealerReservesKeyUntilAbort(t *testing.T) {
	shares, keys := dealt(t)
	g := newGuardian(t, "guardian-1", keys)
	require.NoError(t, g.shares.Put(shares[1]))
	before := snapshot(t, g.kv)

	sid, err := g.coordinator.Start(Request{SessionID: "reshare-1", Recovery: request()})
	require.NoError(t, err)
	assert.Equal(t, 2, g.sender.sent, "one dealing per other new participant")

	_, err = g.coordinator.Start(Request{SessionID: "reshare-2", Recovery: request()})
	assert.ErrorIs(t, err, core.ErrReshareInProgress)

	require.NoError(t, g.sessions.Abort(sid))
	res, err := g.sessions.Wait(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonCancelled, res.Reason)

	assert.Equal(t, before, snapshot(t, g.kv))
	release, err := g.shares.BeginReshare("wallet")
	require.NoError(t, err)
	release()
}

func TestStart_DealerPolicyMustMatchShare(t *testing.T) {
	shares, keys := dealt(t)
	g := newGuardian(t, "guardian-1", keys)
	require.NoError(t, g.shares.Put(shares[1]))

	req := request()
	req.OldPolicy.Participants[2].ID = "guardian-7"
	req.NewPolicy.Participants[2].ID = "guardian-7"
	_, err := g.coordinator.Start(Request{Recovery: req})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	req = request()
	req.PublicKey = []byte("not this key")
	_, err = g.coordinator.Start(Request{Recovery: req})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)
}

func TestStart_IncomingGuardianUsesPublishedKeyInfo(t *testing.T) {
	_, keys := dealt(t)
	g := newGuardian(t, "guardian-4", keys)

	sid, err := g.coordinator.Start(Request{SessionID: "reshare-1", Recovery: request()})
	require.NoError(t, err)
	assert.Equal(t, 0, g.sender.sent, "the incoming guardian only receives dealings")
	s, ok := g.sessions.Get(sid)
	require.True(t, ok)
	assert.Equal(t, 1, s.Round())

	unknown := newGuardian(t, "guardian-4", keyinfo.NewConsulStore(infra.NewMemoryKV()))
	_, err = unknown.coordinator.Start(Request{Recovery: request()})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHooks_CommitSwapsVersions(t *testing.T) {
	shares, keys := dealt(t)
	g := newGuardian(t, "guardian-1", keys)
	require.NoError(t, g.shares.Put(shares[1]))

	released := 0
	h := g.coordinator.hooks("wallet", &plan{self: 1, share: shares[1], version: 2}, func() { released++ })

	next := *shares[1]
	next.Version = 2
	next.Share = []byte("new share material")
	next.Participants = request().NewPolicy.Participants
	artifact := &core.Artifact{Kind: core.ArtifactKeyShare, KeyShare: &next}

	ran := false
	require.NoError(t, h.Guard(func() error { ran = true; return nil }))
	assert.True(t, ran)

	require.NoError(t, h.Stage(artifact))
	got, err := g.shares.Get("wallet", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version, "a staged share is not authoritative")

	require.NoError(t, h.Finish(artifact))
	got, err = g.shares.Get("wallet", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []byte("new share material"), got.Share)

	history, err := g.shares.History("wallet", 1)
	require.NoError(t, err)
	assert.Equal(t, []sharestore.VersionInfo{
		{Version: 1, Status: core.ShareSuperseded},
		{Version: 2, Status: core.ShareActive},
	}, history)

	info, err := keys.Get("wallet")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Version)
	assert.Equal(t, 1, released)

	assert.ErrorIs(t, h.Guard(func() error { return nil }), core.ErrShareInvalidated, "the old version is retired")
}

func TestHooks_AbortAfterStagingRestoresStore(t *testing.T) {
	shares, keys := dealt(t)
	g := newGuardian(t, "guardian-1", keys)
	require.NoError(t, g.shares.Put(shares[1]))
	before := snapshot(t, g.kv)

	released := 0
	h := g.coordinator.hooks("wallet", &plan{self: 1, share: shares[1], version: 2}, func() { released++ })
	next := *shares[1]
	next.Version = 2
	require.NoError(t, h.Stage(&core.Artifact{Kind: core.ArtifactKeyShare, KeyShare: &next}))
	assert.NotEqual(t, before, snapshot(t, g.kv))

	split := reshareOutcome(t, metrics.ReshareAbortedAfterStage)
	h.Abort(core.ReasonTimeout)
	assert.Equal(t, before, snapshot(t, g.kv))
	assert.Equal(t, 1, released)
	assert.Equal(t, split+1, reshareOutcome(t, metrics.ReshareAbortedAfterStage), "an abort after staging is flagged")
}

func TestHooks_AbortBeforeStagingIsNotSplit(t *testing.T) {
	shares, keys := dealt(t)
	g := newGuardian(t, "guardian-1", keys)
	require.NoError(t, g.shares.Put(shares[1]))

	h := g.coordinator.hooks("wallet", &plan{self: 1, share: shares[1], version: 2}, func() {})
	split := reshareOutcome(t, metrics.ReshareAbortedAfterStage)
	aborted := reshareOutcome(t, metrics.ReshareAborted)
	h.Abort(core.ReasonTimeout)

	assert.Equal(t, split, reshareOutcome(t, metrics.ReshareAbortedAfterStage))
	assert.Equal(t, aborted+1, reshareOutcome(t, metrics.ReshareAborted))
}

func reshareOutcome(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "mpc_guardian_reshare_outcomes_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
