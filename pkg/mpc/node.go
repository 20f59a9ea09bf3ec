// Package mpc assembles a guardian node: it admits signed coordinator requests, opens protocol sessions
// with the storage hooks each operation needs and reports every outcome on the guardian's result subject.
package mpc

import (
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/keyinfo"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/driver"
	"github.com/fystack/mpcium-guardian/pkg/mpc/eddsa"
	"github.com/fystack/mpcium-guardian/pkg/peer"
	"github.com/fystack/mpcium-guardian/pkg/policy"
	"github.com/fystack/mpcium-guardian/pkg/recovery"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/fystack/mpcium-guardian/pkg/session"
	"github.com/fystack/mpcium-guardian/pkg/sharestore"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/fystack/mpcium-guardian/pkg/types"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var errSigningBusy = errors.New("signing capacity exhausted")

const (
	DefaultSessionTimeout = 60 * time.Second
	DefaultTickInterval   = time.Second
	publishTimeout        = 10 * time.Second
)

type Config struct {
	Identity *identity.LocalIdentity
	Registry trust.Registry
	Bus      messaging.PubSub
	Shares   *sharestore.Store
	Keys     keyinfo.Store
	// Results receives one types.Response per request.
	Results messaging.MessageQueue
	// CoordinatorID restricts requests to one coordinator identity when set.
	CoordinatorID  string
	SessionTimeout time.Duration
	TickInterval   time.Duration
	TombstoneTTL   time.Duration
	// MaxConcurrentSigning bounds running signing sessions. Requests beyond it are redelivered later.
	MaxConcurrentSigning int
	// Rand overrides protocol randomness, for reproducible tests.
	Rand func() cipher.Stream
}

// Guardian is one guardian node.
type Guardian struct {
	self     *identity.LocalIdentity
	policy   *policy.Engine
	shares   *sharestore.Store
	keys     keyinfo.Store
	adapter  *peer.Adapter
	sessions *session.Manager
	recovery *recovery.Coordinator
	results  messaging.MessageQueue
	tick     time.Duration
	rand     func() cipher.Stream

	maxSigning int64
	signing    atomic.Int64
}

func NewGuardian(cfg Config) *Guardian {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	g := &Guardian{
		self:    cfg.Identity,
		policy:  policy.NewEngine(cfg.Identity.ID, cfg.CoordinatorID, cfg.Registry),
		shares:  cfg.Shares,
		keys:    cfg.Keys,
		adapter: peer.NewAdapter(cfg.Identity, cfg.Registry, cfg.Bus),
		results: cfg.Results,
		tick:    cfg.TickInterval,
		rand:    cfg.Rand,

		maxSigning: int64(cfg.MaxConcurrentSigning),
	}
	g.sessions = session.NewManager(
		driver.New(eddsa.NewScheme()),
		g.policy,
		g.adapter,
		cfg.SessionTimeout,
		session.WithResultHandler(g.report),
		session.WithOpenHandler(g.adapter.Redeliver),
		session.WithTombstoneTTL(cfg.TombstoneTTL),
	)
	g.recovery = recovery.NewCoordinator(cfg.Shares, cfg.Keys, g.sessions, g.policy)
	return g
}

func (g *Guardian) ID() string { return g.self.ID }

func (g *Guardian) Sessions() *session.Manager { return g.sessions }

// Start subscribes to peer traffic and starts deadline checks.
func (g *Guardian) Start() error {
	if err := g.adapter.Start(g.sessions); err != nil {
		return err
	}
	go g.sessions.StartTicker(g.tick)
	logger.Info("Guardian started", "id", g.self.ID, "tick", g.tick)
	return nil
}

func (g *Guardian) Close() error {
	g.sessions.Stop()
	return g.adapter.Close()
}

// Handle processes one coordinator request envelope. Rejected requests are reported and acknowledged;
// only messages that can never be processed and failures to report are returned as errors.
func (g *Guardian) Handle(ctx context.Context, data []byte) error {
	typ, msg, err := types.DecodeRequest(data)
	if err != nil {
		logger.Warn("Dropping undecodable request", "type", typ, "error", err.Error())
		return errors.Wrap(messaging.ErrPermanent, err.Error())
	}
	if err := g.authorize(msg); err != nil {
		logger.Warn("Dropping unauthorized request", "type", typ, "initiator", msg.InitiatorID(), "error", err.Error())
		return errors.Wrap(messaging.ErrPermanent, err.Error())
	}

	switch m := msg.(type) {
	case *types.KeygenMessage:
		return g.handleOpen(ctx, typ, m.SessionID, m.KeyID, "", g.openKeygen(m))
	case *types.SigningMessage:
		if g.maxSigning > 0 && g.signing.Load() >= g.maxSigning && !g.sessions.Seen(m.SessionID) {
			logger.Warn("Signing capacity exhausted, deferring request", "session_id", m.SessionID, "running", g.signing.Load())
			return errSigningBusy
		}
		return g.handleOpen(ctx, typ, m.SessionID, m.KeyID, m.TxID, g.openSign(m))
	case *types.ResharingMessage:
		return g.handleOpen(ctx, typ, m.SessionID, m.KeyID, "", g.openReshare(m))
	case *types.AbortMessage:
		return g.handleAbort(ctx, m)
	case *types.InvalidateMessage:
		return g.handleInvalidate(ctx, m)
	case *types.ImportMessage:
		return g.handleImport(ctx, m)
	case *types.KeyshareInfoMessage:
		return g.handleKeyshareInfo(ctx, m)
	}
	return errors.Wrapf(messaging.ErrPermanent, "unhandled request %s", typ)
}

// Undeliverable reports a request the queue stopped redelivering.
func (g *Guardian) Undeliverable(ctx context.Context, data []byte) error {
	typ, msg, err := types.DecodeRequest(data)
	if err != nil {
		return err
	}
	var sessionID, keyID, txID string
	switch m := msg.(type) {
	case *types.KeygenMessage:
		sessionID, keyID = m.SessionID, m.KeyID
	case *types.SigningMessage:
		sessionID, keyID, txID = m.SessionID, m.KeyID, m.TxID
	case *types.ResharingMessage:
		sessionID, keyID = m.SessionID, m.KeyID
	case *types.AbortMessage:
		sessionID = m.SessionID
	case *types.InvalidateMessage:
		sessionID, keyID = m.SessionID, m.KeyID
	case *types.ImportMessage:
		sessionID, keyID = m.SessionID, m.KeyID
	case *types.KeyshareInfoMessage:
		sessionID = m.SessionID
	}
	return g.reject(ctx, typ, sessionID, keyID, txID, types.ErrMaxDeliveryAttempts)
}

func (g *Guardian) authorize(msg types.InitiatorMessage) error {
	raw, err := msg.Raw()
	if err != nil {
		return err
	}
	return g.policy.AuthorizeRequest(msg.InitiatorID(), msg.Sig(), raw)
}

// handleOpen reports a request that never became a session. Redelivered requests of a known session are
// acknowledged silently.
func (g *Guardian) handleOpen(ctx context.Context, typ types.RequestType, sessionID, keyID, txID string, open func() (string, error)) error {
	if sessionID == "" {
		return g.reject(ctx, typ, sessionID, keyID, txID, errors.Wrap(core.ErrPolicyInvalid, "session id required"))
	}
	if g.sessions.Seen(sessionID) {
		logger.Debug("Ignoring redelivered request", "session_id", sessionID, "type", typ)
		return nil
	}
	id, err := open()
	switch {
	case err == nil:
		return nil
	case id != "":
		// The session exists and its abort is reported by the result handler.
		return nil
	}
	return g.reject(ctx, typ, sessionID, keyID, txID, err)
}

func (g *Guardian) openKeygen(m *types.KeygenMessage) func() (string, error) {
	return func() (string, error) {
		if _, err := g.keys.Get(m.KeyID); err == nil {
			return "", errors.Wrapf(core.ErrConflict, "key %s already exists", m.KeyID)
		}
		if err := policy.Complete(m.Policy); err != nil {
			return "", err
		}
		return g.sessions.Open(session.Spec{
			SessionID: m.SessionID,
			Operation: core.OperationDKG,
			KeyID:     m.KeyID,
			Policy:    m.Policy,
			Protocol:  m.Protocol,
			Rounds:    m.Rounds,
			Timeout:   m.Timeout(),
			Rand:      g.stream(),
			Hooks: session.Hooks{
				Finish: func(a *core.Artifact) error {
					defer a.KeyShare.Zero()
					if err := g.shares.Put(a.KeyShare); err != nil {
						return err
					}
					if err := g.keys.Save(keyinfo.FromShare(a.KeyShare)); err != nil {
						logger.Error("Failed to publish key info", err, "key_id", a.KeyShare.KeyID)
					}
					return nil
				},
			},
		})
	}
}

func (g *Guardian) openSign(m *types.SigningMessage) func() (string, error) {
	return func() (string, error) {
		if m.TxID == "" {
			return "", errors.Wrap(core.ErrPolicyInvalid, "tx id required")
		}
		self, ok := m.Policy.IndexOf(g.self.ID)
		if !ok {
			return "", errors.Wrapf(core.ErrPolicyInvalid, "guardian %s is not a signer", g.self.ID)
		}
		ks, err := g.shares.Get(m.KeyID, self)
		if err != nil {
			return "", err
		}
		if err := g.policy.ValidateSign(m.Policy, ks); err != nil {
			ks.Zero()
			return "", err
		}
		g.signing.Add(1)
		id, err := g.sessions.Open(session.Spec{
			SessionID:     m.SessionID,
			Operation:     core.OperationSign,
			KeyID:         m.KeyID,
			Discriminator: m.TxID,
			Policy:        m.Policy,
			Share:         ks,
			Message:       m.Tx,
			Protocol:      m.Protocol,
			Rounds:        m.Rounds,
			Timeout:       m.Timeout(),
			Rand:          g.stream(),
			Hooks: session.Hooks{
				Guard: func(step func() error) error {
					return g.shares.UseShare(ks.KeyID, ks.Index, ks.Version, step)
				},
				Finish: func(*core.Artifact) error { ks.Zero(); return nil },
				Abort:  func(core.AbortReason) { ks.Zero() },
			},
		})
		if err != nil && id == "" {
			g.signing.Add(-1)
			ks.Zero()
		}
		return id, err
	}
}

func (g *Guardian) openReshare(m *types.ResharingMessage) func() (string, error) {
	return func() (string, error) {
		rr := m.Recovery
		if rr.KeyID == "" {
			rr.KeyID = m.KeyID
		}
		if rr.KeyID != m.KeyID {
			return "", errors.Wrapf(core.ErrPolicyInvalid, "recovery of %s in request for %s", rr.KeyID, m.KeyID)
		}
		return g.recovery.Start(recovery.Request{
			SessionID: m.SessionID,
			Recovery:  rr,
			Protocol:  m.Protocol,
			Rounds:    m.Rounds,
			Timeout:   m.Timeout(),
			Rand:      g.stream(),
		})
	}
}

func (g *Guardian) handleAbort(ctx context.Context, m *types.AbortMessage) error {
	err := g.sessions.Abort(m.SessionID)
	if err == nil {
		// The cancelled session reports itself.
		return nil
	}
	return g.reject(ctx, types.RequestAbort, m.SessionID, "", "", err)
}

func (g *Guardian) handleInvalidate(ctx context.Context, m *types.InvalidateMessage) error {
	if err := g.shares.Invalidate(m.KeyID, m.GuardianIndex); err != nil {
		return g.reject(ctx, types.RequestInvalidate, m.SessionID, m.KeyID, "", err)
	}
	logger.Info("Share invalidated", "key_id", m.KeyID, "index", m.GuardianIndex, "request", m.SessionID)
	return g.publish(ctx, &types.Response{
		Type:       types.RequestInvalidate,
		SessionID:  m.SessionID,
		KeyID:      m.KeyID,
		GuardianID: g.self.ID,
		Status:     types.StatusCompleted,
	})
}

// handleImport installs this guardian's share of a key dealt outside the cluster. A redelivered import of the
// share already held is reported as completed again.
func (g *Guardian) handleImport(ctx context.Context, m *types.ImportMessage) error {
	ks, err := g.importShare(m)
	if err != nil {
		return g.reject(ctx, types.RequestImport, m.SessionID, m.KeyID, "", err)
	}
	defer ks.Zero()
	logger.Info("Key share imported", "key_id", ks.KeyID, "index", ks.Index, "request", m.SessionID)
	return g.publish(ctx, &types.Response{
		Type:         types.RequestImport,
		SessionID:    m.SessionID,
		KeyID:        m.KeyID,
		GuardianID:   g.self.ID,
		Status:       types.StatusCompleted,
		PublicKey:    ks.PublicKey,
		ShareVersion: ks.Version,
	})
}

func (g *Guardian) importShare(m *types.ImportMessage) (*core.KeyShare, error) {
	if m.SessionID == "" || m.KeyID == "" {
		return nil, errors.Wrap(core.ErrPolicyInvalid, "session id and key id required")
	}
	if err := policy.Complete(m.Policy); err != nil {
		return nil, err
	}
	self, err := g.policy.Validate(m.Policy)
	if err != nil {
		return nil, err
	}

	plain, err := g.self.Decrypt(m.Share)
	if err != nil {
		return nil, errors.Wrap(core.ErrVerificationFailed, err.Error())
	}
	defer security.ZeroBytes(plain)
	ks := &core.KeyShare{}
	if err := json.Unmarshal(plain, ks); err != nil {
		return nil, errors.Wrap(core.ErrVerificationFailed, "decode imported share")
	}
	switch {
	case ks.KeyID != m.KeyID:
		err = errors.Wrapf(core.ErrPolicyInvalid, "share of %s in import of %s", ks.KeyID, m.KeyID)
	case ks.Index != self:
		err = errors.Wrapf(core.ErrPolicyInvalid, "share index %d, guardian index %d", ks.Index, self)
	case ks.Threshold != m.Policy.Threshold || !lo.ElementsMatch(ks.Participants, m.Policy.Participants):
		err = errors.Wrap(core.ErrPolicyInvalid, "share was dealt for another policy")
	default:
		err = eddsa.VerifyShare(ks)
	}
	if err != nil {
		ks.Zero()
		return nil, err
	}
	ks.Version = core.DefaultVersion
	ks.CreatedAt = time.Time{}

	if info, err := g.keys.Get(m.KeyID); err == nil && info.PublicKey != hex.EncodeToString(ks.PublicKey) {
		ks.Zero()
		return nil, errors.Wrapf(core.ErrConflict, "key %s exists with another public key", m.KeyID)
	}
	if err := g.shares.Put(ks); err != nil {
		held, getErr := g.shares.Get(ks.KeyID, ks.Index)
		same := getErr == nil && bytes.Equal(held.PublicKey, ks.PublicKey) && bytes.Equal(held.Share, ks.Share)
		held.Zero()
		if !errors.Is(err, core.ErrConflict) || !same {
			ks.Zero()
			return nil, err
		}
		return ks, nil
	}
	if err := g.keys.Save(keyinfo.FromShare(ks)); err != nil {
		logger.Error("Failed to publish key info", err, "key_id", ks.KeyID)
	}
	return ks, nil
}

// handleKeyshareInfo reports every stored share version of this guardian.
func (g *Guardian) handleKeyshareInfo(ctx context.Context, m *types.KeyshareInfoMessage) error {
	holdings, err := g.shares.Holdings()
	if err != nil {
		return g.reject(ctx, types.RequestKeyshares, m.SessionID, "", "", err)
	}
	resp := &types.Response{
		Type:       types.RequestKeyshares,
		SessionID:  m.SessionID,
		GuardianID: g.self.ID,
		Status:     types.StatusCompleted,
	}
	for _, h := range holdings {
		for _, v := range h.Versions {
			resp.Holdings = append(resp.Holdings, types.ShareHolding{KeyID: h.KeyID, Index: h.Index, Version: v.Version, Status: v.Status})
		}
	}
	return g.publish(ctx, resp)
}

func (g *Guardian) stream() cipher.Stream {
	if g.rand == nil {
		return nil
	}
	return g.rand()
}

func (g *Guardian) reject(ctx context.Context, typ types.RequestType, sessionID, keyID, txID string, err error) error {
	logger.Warn("Request rejected", "type", typ, "session_id", sessionID, "key_id", keyID, "error", err.Error())
	resp := &types.Response{
		Type:       typ,
		SessionID:  sessionID,
		KeyID:      keyID,
		TxID:       txID,
		GuardianID: g.self.ID,
	}
	resp.Fail(types.StatusRejected, err)
	return g.publish(ctx, resp)
}

// report publishes a finished session.
func (g *Guardian) report(res session.Result) {
	if res.Operation == core.OperationSign {
		g.signing.Add(-1)
	}
	resp := &types.Response{
		Type:       requestType(res.Operation),
		SessionID:  res.SessionID,
		KeyID:      res.KeyID,
		TxID:       res.Discriminator,
		GuardianID: g.self.ID,
		Status:     types.StatusCompleted,
	}
	if res.Status == core.StatusCompleted {
		if a := res.Artifact; a != nil {
			resp.PublicKey = a.PublicKey
			resp.Signature = a.Signature
			resp.Fragment = a.Fragment
			if a.KeyShare != nil {
				resp.ShareVersion = a.KeyShare.Version
			}
		}
	} else {
		err := res.Err
		if err == nil {
			err = res.Reason.Err()
		}
		resp.Fail(types.StatusAborted, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := g.publish(ctx, resp); err != nil {
		logger.Error("Failed to publish session result", err, "session_id", res.SessionID)
	}
}

func (g *Guardian) publish(ctx context.Context, resp *types.Response) error {
	raw, err := resp.Raw()
	if err != nil {
		return err
	}
	resp.GuardianSignature = g.self.Sign(raw)
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "marshal response")
	}
	return g.results.Enqueue(ctx, messaging.FormatResultTopic(g.self.ID), data, &messaging.EnqueueOptions{
		IdempotentKey: string(resp.Type) + "/" + resp.SessionID + "/" + g.self.ID,
	})
}

func requestType(op core.Operation) types.RequestType {
	switch op {
	case core.OperationSign:
		return types.RequestSign
	case core.OperationReshare:
		return types.RequestReshare
	}
	return types.RequestKeygen
}
