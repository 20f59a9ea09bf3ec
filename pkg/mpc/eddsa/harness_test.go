package eddsa_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/driver"
	"github.com/fystack/mpcium-guardian/pkg/mpc/eddsa"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"golang.org/x/sync/errgroup"
)

var testSuite = edwards25519.NewBlakeSHA256Ed25519()

type outcome struct {
	staged *core.Artifact
	final  *core.Artifact
	err    error
}

// network runs every party's transitions to completion, delivering messages in memory.
type network struct {
	drv     *driver.Driver
	states  map[int]core.State
	inbox   map[int]map[int]core.RoundInputs // recipient -> round -> sender -> payload
	results map[int]*outcome
	tamper  func(from, to, round int, payload []byte) []byte
	mu      sync.Mutex
}

func newNetwork() *network {
	return &network{
		drv:     driver.New(eddsa.NewScheme()),
		states:  map[int]core.State{},
		inbox:   map[int]map[int]core.RoundInputs{},
		results: map[int]*outcome{},
	}
}

func policyOf(threshold int, indices ...int) core.ThresholdPolicy {
	p := core.ThresholdPolicy{TotalParticipants: len(indices), Threshold: threshold}
	for _, i := range indices {
		p.Participants = append(p.Participants, core.Participant{ID: fmt.Sprintf("guardian-%d", i), Index: i})
	}
	return p
}

func seeded(seed string, index int) core.Params {
	return core.Params{Rand: testSuite.XOF([]byte(fmt.Sprintf("%s/%d", seed, index)))}
}

func (n *network) deliver(from int, round int, out []core.Outgoing, everyone []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range out {
		targets := []int{o.To}
		if o.To == 0 {
			targets = nil
			for _, j := range everyone {
				if j != from {
					targets = append(targets, j)
				}
			}
		}
		for _, to := range targets {
			payload := o.Payload
			if n.tamper != nil {
				payload = n.tamper(from, to, round, payload)
			}
			if n.inbox[to] == nil {
				n.inbox[to] = map[int]core.RoundInputs{}
			}
			if n.inbox[to][round] == nil {
				n.inbox[to][round] = core.RoundInputs{}
			}
			n.inbox[to][round][from] = payload
		}
	}
}

func (n *network) record(i int, tr core.Transition, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := n.results[i]
	if res == nil {
		res = &outcome{}
		n.results[i] = res
	}
	switch {
	case err != nil:
		res.err = err
	case tr.Final:
		res.final = tr.Artifact
	case tr.Artifact != nil:
		res.staged = tr.Artifact
	}
}

func (n *network) run(t *testing.T, op core.Operation, params map[int]core.Params) map[int]*outcome {
	t.Helper()
	everyone := make([]int, 0, len(params))
	for i := range params {
		everyone = append(everyone, i)
	}

	for i, p := range params {
		st, tr, err := n.drv.Start(op, p)
		require.NoError(t, err, "start party %d", i)
		n.states[i] = st
		n.deliver(i, st.Round(), tr.Outbound, everyone)
	}

	for {
		ready := map[int]core.RoundInputs{}
		for i, st := range n.states {
			if n.finished(i) {
				continue
			}
			round := st.Round()
			in := core.RoundInputs{}
			for _, j := range st.Expected(round) {
				payload, ok := n.inbox[i][round][j]
				if !ok {
					in = nil
					break
				}
				in[j] = payload
			}
			if in != nil {
				ready[i] = in
			}
		}
		if len(ready) == 0 {
			return n.results
		}

		var g errgroup.Group
		for i, in := range ready {
			st := n.states[i]
			g.Go(func() error {
				next, tr, err := n.drv.Advance(st, in)
				n.record(i, tr, err)
				if err != nil || tr.Final {
					n.mu.Lock()
					n.states[i] = st
					n.mu.Unlock()
					return nil
				}
				n.mu.Lock()
				n.states[i] = next
				n.mu.Unlock()
				n.deliver(i, next.Round(), tr.Outbound, everyone)
				return nil
			})
		}
		require.NoError(t, g.Wait())
	}
}

func (n *network) finished(i int) bool {
	res := n.results[i]
	return res != nil && (res.err != nil || res.final != nil)
}

// dkg runs a full key generation and returns every guardian's share.
func dkg(t *testing.T, seed, keyID string, threshold int, indices ...int) map[int]*core.KeyShare {
	t.Helper()
	policy := policyOf(threshold, indices...)
	params := map[int]core.Params{}
	for _, i := range indices {
		p := seeded(seed, i)
		p.SessionID = "dkg-" + seed
		p.KeyID = keyID
		p.Self = i
		p.Policy = policy
		params[i] = p
	}
	results := newNetwork().run(t, core.OperationDKG, params)
	shares := map[int]*core.KeyShare{}
	for _, i := range indices {
		require.NotNil(t, results[i], "party %d made no progress", i)
		require.NoError(t, results[i].err)
		require.NotNil(t, results[i].final)
		shares[i] = results[i].final.KeyShare
	}
	return shares
}

func signWith(t *testing.T, shares map[int]*core.KeyShare, msg []byte, aggregator int, signers ...int) map[int]*outcome {
	t.Helper()
	policy := policyOf(shares[signers[0]].Threshold, signers...)
	policy.Aggregator = aggregator
	params := map[int]core.Params{}
	for _, i := range signers {
		p := seeded("sign-"+string(msg), i)
		p.SessionID = "sign-" + string(msg)
		p.KeyID = shares[i].KeyID
		p.Self = i
		p.Policy = policy
		p.Share = shares[i]
		p.Message = msg
		params[i] = p
	}
	return newNetwork().run(t, core.OperationSign, params)
}
