package main

import (
	"context"
	"fmt"

	"github.com/fystack/mpcium-guardian/pkg/client"
	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/fystack/mpcium-guardian/pkg/mpc/core"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
)

// createClient connects to NATS and Consul and returns a coordinator client with a cleanup func.
func createClient(ctx context.Context, cmd *cli.Command) (*client.Client, func(), error) {
	config.SetEnvConfigPath(cmd.String("config"))
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Environment, cfg.LogLevel)

	var passphrase identity.Passphrase
	if pw := cmd.String("password"); pw != "" {
		passphrase = func() ([]byte, error) { return []byte(pw), nil }
	}
	self, err := identity.Load(cmd.String("identity-dir"), cmd.String("name"), passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("load coordinator identity: %w", err)
	}

	consulClient, err := infra.NewConsulClient(cfg.Environment, cfg.Consul)
	if err != nil {
		return nil, nil, err
	}

	nc, err := messaging.Connect(cfg, "guardian-bench")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	mqManager, err := messaging.NewNATsMessageQueueManager(ctx, messaging.StreamName, []string{
		messaging.RequestSubjects,
		messaging.ResultSubjects,
	}, nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	results, err := mqManager.NewMessageQueue(ctx, messaging.CoordinatorConsumer, messaging.ResultSubjects)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	c, err := client.New(client.Options{
		ID:       self.ID,
		Signer:   self,
		Requests: results,
		Results:  results,
		Verifier: trust.NewConsulRegistry(consulClient.KV()),
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		nc.Close()
		self.Zero()
	}, nil
}

// guardianPolicy numbers the --guardians list from 1.
func guardianPolicy(cmd *cli.Command) core.ThresholdPolicy {
	ids := cmd.StringSlice("guardians")
	return core.ThresholdPolicy{
		TotalParticipants: len(ids),
		Threshold:         cmd.Int("threshold"),
		Participants: lo.Map(ids, func(id string, i int) core.Participant {
			return core.Participant{ID: id, Index: i + 1}
		}),
	}
}

// signingPolicy restricts p to the signers, or to its first Threshold participants. The key size stays n.
func signingPolicy(p core.ThresholdPolicy, signers []string) core.ThresholdPolicy {
	picked := p.Participants[:min(p.Threshold, len(p.Participants))]
	if len(signers) > 0 {
		picked = lo.Filter(p.Participants, func(pt core.Participant, _ int) bool {
			return lo.Contains(signers, pt.ID)
		})
	}
	p.Participants = picked
	return p
}
