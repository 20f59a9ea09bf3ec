package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/driver"
	"github.com/fystack/mpcium-guardian/pkg/policy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoProtocol = "echo/v1"

// echoState is a two-round protocol in which every participant broadcasts once per round.
type echoState struct {
	self, round int
	peers       []int
	seen        [][]int
}

func (s *echoState) Operation() core.Operation { return core.OperationDKG }
func (s *echoState) Round() int                { return s.round }
func (s *echoState) Rounds() int               { return 2 }
func (s *echoState) Self() int                 { return s.self }
func (s *echoState) Expected(int) []int        { return s.peers }

type echoScheme struct{}

func (echoScheme) Protocol() string { return echoProtocol }

func (echoScheme) Rounds(op core.Operation) int {
	if op == core.OperationDKG {
		return 2
	}
	return 0
}

func (echoScheme) NewState(_ core.Operation, p core.Params) (core.State, error) {
	peers := slices.DeleteFunc(p.Policy.Indices(), func(i int) bool { return i == p.Self })
	return &echoState{self: p.Self, peers: peers}, nil
}

func (echoScheme) Transition(step core.Step) (core.TransitionFunc, bool) {
	return func(st core.State, in core.RoundInputs) (core.State, core.Transition, error) {
		s := *st.(*echoState)
		if step.Round > 0 {
			senders := make([]int, 0, len(in))
			for i := range in {
				senders = append(senders, i)
			}
			slices.Sort(senders)
			s.seen = append(slices.Clone(s.seen), senders)
		}
		s.round = step.Round + 1
		if step.Round == 2 {
			return &s, core.Transition{Final: true, Artifact: &core.Artifact{Kind: core.ArtifactSignature, Signature: []byte("done")}}, nil
		}
		return &s, core.Transition{Outbound: []core.Outgoing{{Payload: []byte(fmt.Sprintf("r%d", s.round))}}}, nil
	}, step.Round <= 2
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*core.RoundMessage
}

func (r *recordingSender) Send(_ context.Context, to string, msg *core.RoundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *msg
	c.Recipient = to
	r.sent = append(r.sent, &c)
	return nil
}

func (r *recordingSender) kinds(kind core.MessageKind) []*core.RoundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.RoundMessage
	for _, m := range r.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func threeGuardians() core.ThresholdPolicy {
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

type fixture struct {
	m       *Manager
	sender  *recordingSender
	clock   *clock
	results chan Result
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sender:  &recordingSender{},
		clock:   &clock{now: time.Unix(1_700_000_000, 0)},
		results: make(chan Result, 8),
	}
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithResultHandler(func(r Result) { f.results <- r }),
	}, opts...)
	f.m = NewManager(driver.New(echoScheme{}), policy.NewEngine("guardian-1", "", nil), f.sender, time.Minute, opts...)
	return f
}

func (f *fixture) open(t *testing.T, id string, hooks Hooks) string {
	t.Helper()
	sid, err := f.m.Open(Spec{SessionID: id, Operation: core.OperationDKG, KeyID: "wallet-" + id, Policy: threeGuardians(), Hooks: hooks})
	require.NoError(t, err)
	return sid
}

func from(sender, sessionID string, round int) *core.RoundMessage {
	return &core.RoundMessage{
		SessionID: sessionID,
		Operation: core.OperationDKG,
		Protocol:  echoProtocol,
		Kind:      core.KindRound,
		Round:     round,
		Sender:    sender,
		Recipient: "guardian-1",
		Payload:   []byte(fmt.Sprintf("%s/%d", sender, round)),
	}
}

func TestManager_OpenBroadcastsFirstRound(t *testing.T) {
	f := newFixture(t)
	f.open(t, "s1", Hooks{})

	sent := f.sender.kinds(core.KindRound)
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []string{"guardian-2", "guardian-3"}, []string{sent[0].Recipient, sent[1].Recipient})
	for _, m := range sent {
		assert.Equal(t, 1, m.Round)
		assert.Equal(t, echoProtocol, m.Protocol)
	}
	assert.Equal(t, 1, f.m.GetActiveSessionCount())
}

func TestManager_OpenRejects(t *testing.T) {
	f := newFixture(t)

	bad := threeGuardians()
	bad.Threshold = 4
	_, err := f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "k", Policy: bad})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	outsider := threeGuardians()
	outsider.Participants[0].ID = "guardian-9"
	_, err = f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "k", Policy: outsider})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	_, err = f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "k", Policy: threeGuardians(), Protocol: "gg18"})
	assert.ErrorIs(t, err, core.ErrProtocolMismatch)

	_, err = f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "k", Policy: threeGuardians(), Rounds: 5})
	assert.ErrorIs(t, err, core.ErrProtocolMismatch)

	// the coordinator names the key before dkg
	_, err = f.m.Open(Spec{Operation: core.OperationDKG, Policy: threeGuardians()})
	assert.ErrorIs(t, err, core.ErrPolicyInvalid)

	assert.Equal(t, 0, f.m.GetActiveSessionCount())
}

func TestManager_DuplicateSession(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "wallet", Policy: threeGuardians()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "wallet", Policy: threeGuardians()})
	assert.ErrorIs(t, err, core.ErrDuplicateSession)

	_, err = f.m.Open(Spec{SessionID: id, Operation: core.OperationDKG, KeyID: "other", Policy: threeGuardians()})
	assert.ErrorIs(t, err, core.ErrDuplicateSession)

	// different transactions of one key may run side by side
	_, err = f.m.Open(Spec{Operation: core.OperationDKG, KeyID: "wallet", Discriminator: "tx-2", Policy: threeGuardians()})
	assert.NoError(t, err)
}

func TestManager_RoundBuffering(t *testing.T) {
	f := newFixture(t)
	sid := f.open(t, "s1", Hooks{})
	ctx := context.Background()
	s, ok := f.m.Get(sid)
	require.True(t, ok)

	require.NoError(t, f.m.Route(ctx, from("guardian-2", sid, 1)))
	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-2", sid, 1)), core.ErrStaleRound)
	assert.Equal(t, 1, s.Round(), "a duplicate must not complete the round")

	require.NoError(t, f.m.Route(ctx, from("guardian-3", sid, 2)))
	assert.Equal(t, 1, s.Round(), "future rounds are held")

	require.NoError(t, f.m.Route(ctx, from("guardian-3", sid, 1)))
	assert.Equal(t, 2, s.Round())
	assert.Len(t, f.sender.kinds(core.KindRound), 4)

	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-2", sid, 1)), core.ErrStaleRound)

	require.NoError(t, f.m.Route(ctx, from("guardian-2", sid, 2)))
	res, err := f.m.Wait(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, res.Status)
	assert.Equal(t, []byte("done"), res.Artifact.Signature)

	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-2", sid, 2)), core.ErrStaleRound)
	assert.Equal(t, 0, f.m.GetActiveSessionCount())
	assert.Len(t, f.results, 1)
}

func TestManager_RouteRejections(t *testing.T) {
	f := newFixture(t)
	sid := f.open(t, "s1", Hooks{})
	ctx := context.Background()

	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-2", "nope", 1)), core.ErrUnknownSession)
	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-9", sid, 1)), core.ErrUnauthorized)
	assert.ErrorIs(t, f.m.Route(ctx, from("guardian-1", sid, 1)), core.ErrUnauthorized)

	s, _ := f.m.Get(sid)
	assert.Equal(t, core.StatusPending, s.Status(), "boundary rejections leave the session alone")
}

func TestManager_ProtocolMismatchAborts(t *testing.T) {
	f := newFixture(t)
	sid := f.open(t, "s1", Hooks{})

	msg := from("guardian-2", sid, 3)
	assert.ErrorIs(t, f.m.Route(context.Background(), msg), core.ErrProtocolMismatch)

	res, err := f.m.Wait(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAborted, res.Status)
	assert.Equal(t, core.ReasonProtocolMismatch, res.Reason)
	assert.Len(t, f.sender.kinds(core.KindAbort), 2)

	sid2 := f.open(t, "s2", Hooks{})
	other := from("guardian-3", sid2, 1)
	other.Protocol = "frost-ed25519/v0"
	assert.ErrorIs(t, f.m.Route(context.Background(), other), core.ErrProtocolMismatch)
}

func TestManager_TimeoutExactlyOnce(t *testing.T) {
	f := newFixture(t)
	aborts := 0
	sid := f.open(t, "s1", Hooks{Abort: func(core.AbortReason) { aborts++ }})
	ctx := context.Background()
	require.NoError(t, f.m.Route(ctx, from("guardian-2", sid, 1)))

	assert.Equal(t, 0, f.m.Tick())
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.m.Tick())
	assert.Equal(t, 0, f.m.Tick())

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, f.m.Route(ctx, from("guardian-3", sid, 1)), core.ErrStaleRound)
	}
	assert.Equal(t, 0, f.m.Tick())

	res, err := f.m.Wait(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonTimeout, res.Reason)
	assert.ErrorIs(t, res.Err, core.ErrTimeout)
	assert.Equal(t, 1, aborts)
	assert.Len(t, f.results, 1)
	assert.Len(t, f.sender.kinds(core.KindAbort), 2)
}

func TestManager_TombstonesExpire(t *testing.T) {
	f := newFixture(t, WithTombstoneTTL(time.Minute))
	sid := f.open(t, "s1", Hooks{})
	require.NoError(t, f.m.Abort(sid))

	assert.ErrorIs(t, f.m.Route(context.Background(), from("guardian-2", sid, 1)), core.ErrStaleRound)
	f.clock.Advance(2 * time.Minute)
	f.m.Tick()
	assert.ErrorIs(t, f.m.Route(context.Background(), from("guardian-2", sid, 1)), core.ErrUnknownSession)
}

func TestManager_PeerAbortAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sid := f.open(t, "s1", Hooks{})
	notice := from("guardian-2", sid, 1)
	notice.Kind = core.KindAbort
	notice.Payload = []byte(core.ReasonVerificationFailed)
	require.NoError(t, f.m.Route(ctx, notice))
	res, err := f.m.Wait(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonPeerAborted, res.Reason)
	assert.Empty(t, f.sender.kinds(core.KindAbort), "a peer abort is not echoed")

	sid2 := f.open(t, "s2", Hooks{})
	require.NoError(t, f.m.Abort(sid2))
	res, err = f.m.Wait(ctx, sid2)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonCancelled, res.Reason)
	assert.Len(t, f.sender.kinds(core.KindAbort), 2)

	assert.ErrorIs(t, f.m.Abort("missing"), core.ErrUnknownSession)
}

func TestManager_Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("guard failure at start", func(t *testing.T) {
		f := newFixture(t)
		sid, err := f.m.Open(Spec{
			Operation: core.OperationDKG, KeyID: "k", Policy: threeGuardians(),
			Hooks: Hooks{Guard: func(func() error) error { return core.ErrShareInvalidated }},
		})
		assert.ErrorIs(t, err, core.ErrShareInvalidated)
		res, err := f.m.Wait(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, core.ReasonShareInvalidated, res.Reason)
		assert.Empty(t, f.sender.kinds(core.KindRound))
	})

	t.Run("finish failure aborts", func(t *testing.T) {
		f := newFixture(t)
		var finished []*core.Artifact
		sid := f.open(t, "s1", Hooks{Finish: func(a *core.Artifact) error {
			finished = append(finished, a)
			return errors.Wrap(core.ErrConflict, "share exists")
		}})
		for _, m := range []*core.RoundMessage{
			from("guardian-2", sid, 1), from("guardian-3", sid, 1),
			from("guardian-2", sid, 2), from("guardian-3", sid, 2),
		} {
			require.NoError(t, f.m.Route(ctx, m))
		}
		res, err := f.m.Wait(ctx, sid)
		require.NoError(t, err)
		assert.Len(t, finished, 1)
		assert.Equal(t, core.ReasonConflict, res.Reason)
	})
}

func TestManager_WaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	sid := f.open(t, "s1", Hooks{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.m.Wait(ctx, sid)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.m.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrUnknownSession)
}

func TestManager_StartTickerStops(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		f.m.StartTicker(time.Millisecond)
		close(done)
	}()
	f.m.Stop()
	f.m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}
