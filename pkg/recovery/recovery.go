// Package recovery moves a key onto a new guardian set when one guardian is replaced. New shares are staged
// durably first and only committed once every participant confirmed its staging; an aborted reshare leaves
// the existing shares untouched.
package recovery

import (
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/keyinfo"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/metrics"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/policy"
	"github.com/fystack/mpcium-guardian/pkg/session"
	"github.com/fystack/mpcium-guardian/pkg/sharestore"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Sessions opens protocol sessions. *session.Manager implements it.
type Sessions interface {
	Open(spec session.Spec) (string, error)
}

type Coordinator struct {
	shares   *sharestore.Store
	keys     keyinfo.Store
	sessions Sessions
	policy   *policy.Engine
}

func NewCoordinator(shares *sharestore.Store, keys keyinfo.Store, sessions Sessions, engine *policy.Engine) *Coordinator {
	return &Coordinator{shares: shares, keys: keys, sessions: sessions, policy: engine}
}

type Request struct {
	SessionID string
	Recovery  core.RecoveryRequest
	Protocol  string
	Rounds    int
	Timeout   time.Duration
	Rand      cipher.Stream
}

// plan is what the local guardian brings to a reshare.
type plan struct {
	self      int
	share     *core.KeyShare
	version   int
	publicKey []byte
	staged    bool
}

// Start validates req, reserves the key and opens the reshare session. The outcome is reported by the
// session manager like any other session.
func (c *Coordinator) Start(req Request) (string, error) {
	rr := req.Recovery
	self, err := c.policy.ValidateRecovery(rr)
	if err != nil {
		return "", err
	}
	release, err := c.shares.BeginReshare(rr.KeyID)
	if err != nil {
		return "", err
	}

	p, err := c.prepare(rr, self)
	if err != nil {
		release()
		return "", err
	}

	var once sync.Once
	done := func() { once.Do(release) }
	id, err := c.sessions.Open(session.Spec{
		SessionID: req.SessionID,
		Operation: core.OperationReshare,
		KeyID:     rr.KeyID,
		Policy:    rr.NewPolicy,
		Share:     p.share,
		Reshare: &core.ReshareParams{
			Dealers:   rr.Dealers(),
			PublicKey: p.publicKey,
			Version:   p.version,
		},
		Protocol: req.Protocol,
		Rounds:   req.Rounds,
		Timeout:  req.Timeout,
		Hooks:    c.hooks(rr.KeyID, p, done),
		Rand:     req.Rand,
	})
	if err != nil {
		done()
		return id, err
	}
	logger.Info("Reshare started",
		"session_id", id,
		"key_id", rr.KeyID,
		"replaced_index", rr.ReplacedIndex,
		"new_guardian", rr.NewGuardian.ID,
		"version", p.version,
	)
	return id, nil
}

// prepare loads the local share of a surviving guardian, or the published key facts for the incoming one.
func (c *Coordinator) prepare(rr core.RecoveryRequest, self int) (*plan, error) {
	p := &plan{self: self, publicKey: rr.PublicKey}

	if self == rr.ReplacedIndex {
		info, err := c.keys.Get(rr.KeyID)
		if err != nil {
			return nil, errors.Wrap(err, "incoming guardian needs the published key info")
		}
		pub, err := hex.DecodeString(info.PublicKey)
		if err != nil {
			return nil, errors.Wrap(err, "decode published public key")
		}
		if len(p.publicKey) == 0 {
			p.publicKey = pub
		} else if !bytes.Equal(p.publicKey, pub) {
			return nil, errors.Wrap(core.ErrPolicyInvalid, "recovery names a different public key than published")
		}
		p.version = info.Version + 1
		return p, nil
	}

	ks, err := c.shares.Get(rr.KeyID, self)
	if err != nil {
		return nil, err
	}
	if !lo.ElementsMatch(ks.Participants, rr.OldPolicy.Participants) || ks.Threshold != rr.OldPolicy.Threshold {
		return nil, errors.Wrapf(core.ErrPolicyInvalid, "old policy does not match the share of key %s", rr.KeyID)
	}
	if len(p.publicKey) > 0 && !bytes.Equal(p.publicKey, ks.PublicKey) {
		return nil, errors.Wrap(core.ErrPolicyInvalid, "recovery names a different public key")
	}
	p.share = ks
	p.publicKey = ks.PublicKey
	p.version = ks.Version + 1
	return p, nil
}

func (c *Coordinator) hooks(keyID string, p *plan, done func()) session.Hooks {
	h := session.Hooks{
		Stage: func(a *core.Artifact) error {
			if a == nil || a.KeyShare == nil {
				return errors.New("reshare staged no share")
			}
			if err := c.shares.Stage(a.KeyShare); err != nil {
				return err
			}
			p.staged = true
			return nil
		},
		Finish: func(a *core.Artifact) error {
			if err := c.shares.Commit(keyID, p.self); err != nil {
				return errors.Wrap(err, "commit reshared share")
			}
			if err := c.keys.Save(keyinfo.FromShare(a.KeyShare)); err != nil {
				logger.Error("Failed to publish key info", err, "key_id", keyID)
			}
			metrics.ReshareFinished(metrics.ReshareCommitted)
			logger.Info("Reshare committed", "key_id", keyID, "index", p.self, "version", p.version)
			done()
			return nil
		},
		Abort: func(reason core.AbortReason) {
			if err := c.shares.Discard(keyID, p.self); err != nil {
				logger.Error("Failed to discard staged share", err, "key_id", keyID, "index", p.self)
			}
			if p.staged {
				// peers that confirmed before the abort may already have committed the new version
				metrics.ReshareFinished(metrics.ReshareAbortedAfterStage)
				logger.Warn("Reshare aborted after staging, guardians may hold different share versions",
					"key_id", keyID, "index", p.self, "version", p.version, "reason", reason)
			} else {
				metrics.ReshareFinished(metrics.ReshareAborted)
				logger.Warn("Reshare aborted, previous shares stay authoritative", "key_id", keyID, "reason", reason)
			}
			done()
		},
	}
	if p.share != nil {
		version := p.share.Version
		h.Guard = func(step func() error) error {
			return c.shares.UseShare(keyID, p.self, version, step)
		}
	}
	return h
}
