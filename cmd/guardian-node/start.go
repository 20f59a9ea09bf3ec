package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/eventconsumer"
	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/keyinfo"
	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/messaging"
	"github.com/fystack/mpcium-guardian/pkg/metrics"
	"github.com/fystack/mpcium-guardian/pkg/mpc"
	"github.com/fystack/mpcium-guardian/pkg/sharestore"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewStartCmd creates a new start command
func NewStartCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "start",
		Short: "Start a guardian node",
		Long:  "Start a guardian node with the specified configuration",
		RunE:  runNode,
	}

	cmd.Flags().StringP("name", "n", "", "Guardian name, defaults to node_id from the configuration")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().BoolP("decrypt-private-key", "d", false, "Identity private key is age-encrypted")
	cmd.Flags().BoolP("prompt-credentials", "p", false, "Prompt for the storage password")
	cmd.Flags().StringP("password-file", "f", "", "Path to file containing the storage password")
	cmd.Flags().StringP("identity-password-file", "k", "", "Path to file containing the passphrase of the .age encrypted identity key")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	nodeName, _ := cmd.Flags().GetString("name")
	configPath, _ := cmd.Flags().GetString("config")
	decryptPrivateKey, _ := cmd.Flags().GetBool("decrypt-private-key")
	usePrompts, _ := cmd.Flags().GetBool("prompt-credentials")
	passwordFile, _ := cmd.Flags().GetString("password-file")
	agePasswordFile, _ := cmd.Flags().GetString("identity-password-file")
	debug, _ := cmd.Flags().GetBool("debug")

	config.SetEnvConfigPath(configPath)
	appConfig, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	level := appConfig.LogLevel
	if debug {
		level = "debug"
	}
	logger.Init(appConfig.Environment, level)

	if nodeName == "" {
		nodeName = appConfig.NodeID
	}
	if nodeName == "" {
		return errors.New("guardian name is required: pass --name or set node_id")
	}

	if passwordFile != "" {
		if err := loadPasswordFromFile(appConfig, passwordFile); err != nil {
			return err
		}
	}
	if usePrompts {
		if err := promptForSensitiveCredentials(appConfig); err != nil {
			return err
		}
	}
	if err := checkRequiredConfigValues(appConfig); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consulClient, err := infra.NewConsulClient(appConfig.Environment, appConfig.Consul)
	if err != nil {
		return err
	}
	registry := trust.NewConsulRegistry(consulClient.KV())
	keyinfoStore := keyinfo.NewConsulStore(consulClient.KV())

	self, err := identity.Load(appConfig.IdentityDir, nodeName, identityPassphrase(decryptPrivateKey, agePasswordFile))
	if err != nil {
		return errors.Wrap(err, "load identity")
	}
	defer self.Zero()

	store, err := kvstore.Open(appConfig, nodeName)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer store.Close()

	shares, err := sharestore.New(store, []byte(appConfig.BadgerPassword))
	if err != nil {
		return errors.Wrap(err, "open share store")
	}

	if b, ok := store.(kvstore.Backuper); ok && appConfig.BackupEnabled {
		stopBackup := StartPeriodicBackup(ctx, b, appConfig.BackupPeriodSeconds)
		defer stopBackup()
	}

	natsConn, err := messaging.Connect(appConfig, "guardian-"+self.ID)
	if err != nil {
		return errors.Wrap(err, "connect to NATS")
	}
	defer natsConn.Close()
	pubsub := messaging.NewNATSPubSub(natsConn)

	mqManager, err := messaging.NewNATsMessageQueueManager(ctx, messaging.StreamName, []string{
		messaging.RequestSubjects,
		messaging.ResultSubjects,
	}, natsConn)
	if err != nil {
		return err
	}
	requests, err := mqManager.NewMessageQueue(ctx, messaging.RequestConsumerName(self.ID), messaging.FormatRequestTopic(self.ID))
	if err != nil {
		return err
	}

	guardian := mpc.NewGuardian(mpc.Config{
		Identity:             self,
		Registry:             registry,
		Bus:                  pubsub,
		Shares:               shares,
		Keys:                 keyinfoStore,
		Results:              requests,
		CoordinatorID:        appConfig.CoordinatorID,
		SessionTimeout:       appConfig.SessionTimeout,
		TickInterval:         appConfig.TickInterval,
		TombstoneTTL:         appConfig.TombstoneTTL,
		MaxConcurrentSigning: appConfig.MaxConcurrentSigning,
	})
	if err := guardian.Start(); err != nil {
		return errors.Wrap(err, "start guardian")
	}
	defer guardian.Close()

	if appConfig.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, appConfig.MetricsAddr); err != nil {
				logger.Error("Metrics server stopped", err)
			}
		}()
	}

	timeoutConsumer := eventconsumer.NewTimeoutConsumer(self.ID, pubsub, mqManager, guardian)
	if err := timeoutConsumer.Run(); err != nil {
		return errors.Wrap(err, "subscribe to delivery advisories")
	}
	defer timeoutConsumer.Close()

	requestConsumer := eventconsumer.NewRequestConsumer(self.ID, requests, guardian)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			logger.Warn("Shutdown signal received, canceling context...")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("[READY] Guardian is ready", "id", self.ID, "name", nodeName, "storage", appConfig.StorageType)
	if err := requestConsumer.Run(ctx); err != nil {
		logger.Error("Request consumer stopped", err)
		return err
	}

	if err := natsConn.Drain(); err != nil {
		logger.Error("Failed to drain NATS connection", err)
	}
	return nil
}
