package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/infra"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/trust"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newPeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Trust registry commands",
		Long:  "Register, list and revoke the identities guardians accept messages from",
	}
	cmd.AddCommand(newRegisterPeersCmd(), newListPeersCmd(), newRevokePeerCmd())
	return cmd
}

// openRegistry loads the configuration and connects to the Consul-backed trust registry.
func openRegistry() (*trust.ConsulRegistry, error) {
	config.SetEnvConfigPath(configFile)
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Environment, cfg.LogLevel)
	client, err := infra.NewConsulClient(cfg.Environment, cfg.Consul)
	if err != nil {
		return nil, err
	}
	return trust.NewConsulRegistry(client.KV()), nil
}

func newRegisterPeersCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "register [name...]",
		Short: "Register public identity files to Consul",
		Long:  "Register the public identity files found in --dir, or only the named ones, to the trust registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				var err error
				if names, err = identityNames(dir); err != nil {
					return err
				}
			}
			if len(names) == 0 {
				return fmt.Errorf("no identity files found in %s", dir)
			}

			registry, err := openRegistry()
			if err != nil {
				return err
			}
			for _, name := range names {
				g, err := identity.LoadPublic(dir, name)
				if err != nil {
					return err
				}
				if err := registry.Register(g); err != nil {
					return fmt.Errorf("register %s: %w", name, err)
				}
				fmt.Printf("Registered %s with ID %s\n", name, g.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "identity", "Directory containing *_identity.json files")
	return cmd
}

func identityNames(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_identity.json"))
	if err != nil {
		return nil, err
	}
	return lo.Map(matches, func(path string, _ int) string {
		return strings.TrimSuffix(filepath.Base(path), "_identity.json")
	}), nil
}

func newListPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			peers, err := registry.List()
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", p.ID, p.Name, p.PublicKey)
			}
			return nil
		},
	}
}

func newRevokePeerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Remove an identity from the trust registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			if err := registry.Revoke(args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}
