// Package client is the coordinator side of the guardian request protocol: it signs requests, fans them out
// to each guardian's request subject and collects the signed responses.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/mpc/eddsa"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/fystack/mpcium-guardian/pkg/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Signer signs request payloads as the coordinator.
type Signer interface {
	Sign(payload []byte) []byte
}

// Options defines configuration options for creating a new Client
type Options struct {
	// ID is the coordinator identity guardians verify requests against.
	ID     string
	Signer Signer
	// Requests publishes to guardian request subjects.
	Requests messaging.MessageQueue
	// Results consumes the guardians' result subjects.
	Results messaging.MessageQueue
	// Verifier checks guardian signatures on responses. Unsigned or forged responses are dropped.
	Verifier trust.Verifier
	// Directory resolves guardian encryption keys for key import. It defaults to Verifier when that is a
	// trust.Registry.
	Directory trust.Registry
}

type Client struct {
	id        string
	signer    Signer
	requests  messaging.MessageQueue
	results   messaging.MessageQueue
	verifier  trust.Verifier
	directory trust.Registry

	mu        sync.Mutex
	responses map[string]map[string]types.Response
	changed   chan struct{}
	callbacks []func(types.Response)
}

// New creates a client and starts consuming results.
func New(opts Options) (*Client, error) {
	if opts.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if opts.Requests == nil || opts.Results == nil {
		return nil, errors.New("request and result queues are required")
	}
	c := &Client{
		id:        opts.ID,
		signer:    opts.Signer,
		requests:  opts.Requests,
		results:   opts.Results,
		verifier:  opts.Verifier,
		directory: opts.Directory,
		responses: map[string]map[string]types.Response{},
		changed:   make(chan struct{}),
	}
	if r, ok := opts.Verifier.(trust.Registry); ok && c.directory == nil {
		c.directory = r
	}
	if err := c.results.Dequeue(c.receive); err != nil {
		return nil, errors.Wrap(err, "subscribe to results")
	}
	return c, nil
}

// OnResult registers a callback invoked for every accepted response.
func (c *Client) OnResult(fn func(types.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

func (c *Client) receive(data []byte) error {
	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.Warn("Dropping undecodable result", "error", err.Error())
		return errors.Wrap(messaging.ErrPermanent, err.Error())
	}
	if c.verifier != nil {
		raw, err := resp.Raw()
		if err != nil || !c.verifier.Verify(resp.GuardianID, resp.Sig(), raw) {
			logger.Warn("Dropping result with invalid signature", "guardian", resp.GuardianID, "session_id", resp.SessionID)
			return errors.Wrap(messaging.ErrPermanent, "invalid result signature")
		}
	}

	c.mu.Lock()
	bySession, ok := c.responses[resp.SessionID]
	if !ok {
		bySession = map[string]types.Response{}
		c.responses[resp.SessionID] = bySession
	}
	bySession[resp.GuardianID] = resp
	close(c.changed)
	c.changed = make(chan struct{})
	callbacks := append([]func(types.Response){}, c.callbacks...)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(resp)
	}
	return nil
}

// Await blocks until n guardians reported on sessionID, one response per guardian.
func (c *Client) Await(ctx context.Context, sessionID string, n int) ([]types.Response, error) {
	for {
		c.mu.Lock()
		got := c.responses[sessionID]
		if len(got) >= n {
			out := make([]types.Response, 0, len(got))
			for _, r := range got {
				out = append(out, r)
			}
			c.mu.Unlock()
			return out, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "await %s: %d of %d responses", sessionID, len(got), n)
		}
	}
}

// Send signs msg as the coordinator and publishes it to each guardian.
func (c *Client) Send(ctx context.Context, msg types.InitiatorMessage, guardians ...string) error {
	sig, sessionID, err := c.stamp(msg)
	if err != nil {
		return err
	}
	raw, err := msg.Raw()
	if err != nil {
		return errors.Wrap(err, "raw payload")
	}
	*sig = c.signer.Sign(raw)

	data, err := types.EncodeRequest(msg)
	if err != nil {
		return err
	}
	for _, g := range guardians {
		err := c.requests.Enqueue(ctx, messaging.FormatRequestTopic(g), data, &messaging.EnqueueOptions{
			IdempotentKey: sessionID + "/" + g,
		})
		if err != nil {
			return errors.Wrapf(err, "publish to %s", g)
		}
	}
	return nil
}

// stamp sets the initiator and a session id if missing, and returns where the signature goes.
func (c *Client) stamp(msg types.InitiatorMessage) (*[]byte, string, error) {
	switch m := msg.(type) {
	case *types.KeygenMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	case *types.SigningMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	case *types.ResharingMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	case *types.AbortMessage:
		m.Initiator = c.id
		// an abort shares the id of the session it cancels
		return &m.Signature, "abort:" + m.SessionID, nil
	case *types.InvalidateMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	case *types.ImportMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	case *types.KeyshareInfoMessage:
		m.Initiator = c.id
		return &m.Signature, ensureID(&m.SessionID), nil
	}
	return nil, "", errors.Errorf("unsupported request %T", msg)
}

func ensureID(id *string) string {
	if *id == "" {
		*id = uuid.Must(uuid.NewV7()).String()
	}
	return *id
}

// Keygen asks every participant of msg.Policy to run a DKG and returns the session id.
func (c *Client) Keygen(ctx context.Context, msg *types.KeygenMessage) (string, error) {
	err := c.Send(ctx, msg, msg.Policy.IDs()...)
	return msg.SessionID, err
}

// Sign asks the signers of msg.Policy to sign msg.Tx and returns the session id.
func (c *Client) Sign(ctx context.Context, msg *types.SigningMessage) (string, error) {
	err := c.Send(ctx, msg, msg.Policy.IDs()...)
	return msg.SessionID, err
}

// Reshare sends a recovery to every guardian of the new policy and returns the session id.
func (c *Client) Reshare(ctx context.Context, msg *types.ResharingMessage) (string, error) {
	err := c.Send(ctx, msg, msg.Recovery.NewPolicy.IDs()...)
	return msg.SessionID, err
}

// Abort cancels sessionID on the given guardians.
func (c *Client) Abort(ctx context.Context, sessionID string, guardians ...string) error {
	return c.Send(ctx, &types.AbortMessage{SessionID: sessionID}, guardians...)
}

// Invalidate retires the share held by guardian for keyID and returns the request id.
func (c *Client) Invalidate(ctx context.Context, keyID string, guardian core.Participant) (string, error) {
	msg := &types.InvalidateMessage{KeyID: keyID, GuardianIndex: guardian.Index}
	err := c.Send(ctx, msg, guardian.ID)
	return msg.SessionID, err
}

// Import splits the Ed25519 key with the given seed among the participants of p and sends every guardian its
// share sealed to the guardian's encryption key. A nil seed imports a freshly generated key. It returns the
// session id under which the guardians report.
func (c *Client) Import(ctx context.Context, keyID string, p core.ThresholdPolicy, seed []byte) (string, error) {
	if c.directory == nil {
		return "", errors.New("key import needs a guardian directory")
	}
	shares, err := eddsa.DealShares(keyID, p, seed, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, ks := range shares {
			ks.Zero()
		}
	}()

	sessionID := uuid.Must(uuid.NewV7()).String()
	for _, pt := range p.Participants {
		g, err := c.directory.Lookup(pt.ID)
		if err != nil {
			return sessionID, errors.Wrapf(err, "look up %s", pt.ID)
		}
		plain, err := json.Marshal(shares[pt.Index])
		if err != nil {
			return sessionID, errors.Wrap(err, "marshal share")
		}
		sealed, err := g.Encrypt(plain)
		security.ZeroBytes(plain)
		if err != nil {
			return sessionID, errors.Wrapf(err, "seal share for %s", pt.ID)
		}
		msg := &types.ImportMessage{
			SessionParams: types.SessionParams{SessionID: sessionID, KeyID: keyID},
			Policy:        p,
			Share:         sealed,
		}
		if err := c.Send(ctx, msg, pt.ID); err != nil {
			return sessionID, err
		}
	}
	return sessionID, nil
}

// KeyshareInfo asks the guardians which shares they hold and returns the request id.
func (c *Client) KeyshareInfo(ctx context.Context, guardians ...string) (string, error) {
	msg := &types.KeyshareInfoMessage{}
	err := c.Send(ctx, msg, guardians...)
	return msg.SessionID, err
}

func (c *Client) Close() {
	c.results.Close()
}
