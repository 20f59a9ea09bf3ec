package main

import (
	"fmt"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/fystack/mpcium-guardian/pkg/sharestore"
	"github.com/spf13/cobra"
)

func newSharesCmd() *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "List the share versions held by a stopped guardian",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.SetEnvConfigPath(configFile)
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.Environment, "warn")

			password, err := promptPassword("Enter storage password: ")
			if err != nil {
				return err
			}
			defer security.ZeroString(&password)
			cfg.BadgerPassword = password

			store, err := kvstore.Open(cfg, node)
			if err != nil {
				return err
			}
			defer store.Close()
			shares, err := sharestore.New(store, []byte(password))
			if err != nil {
				return err
			}

			holdings, err := shares.Holdings()
			if err != nil {
				return err
			}
			if len(holdings) == 0 {
				fmt.Println("No shares found.")
				return nil
			}
			for _, h := range holdings {
				for _, v := range h.Versions {
					fmt.Printf("%s\tindex=%d\tv%d\t%s\n", h.KeyID, h.Index, v.Version, v.Status)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&node, "node", "n", "", "Guardian name whose database is opened (required)")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}
