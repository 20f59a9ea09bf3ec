package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fystack/mpcium-guardian/pkg/kvstore"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/spf13/cobra"
)

func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Share store backup recovery",
	}
	cmd.AddCommand(newRecoverCmd())
	return cmd
}

func newRecoverCmd() *cobra.Command {
	var (
		backupDir    string
		recoveryPath string
		node         string
		force        bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild a guardian database from its encrypted backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(backupDir); err != nil {
				return fmt.Errorf("backup directory %s: %w", backupDir, err)
			}
			if _, err := os.Stat(recoveryPath); err == nil {
				if !force {
					return fmt.Errorf("recovery path already exists: %s (use --force to overwrite)", recoveryPath)
				}
				if err := os.RemoveAll(recoveryPath); err != nil {
					return fmt.Errorf("failed to remove existing recovery path: %w", err)
				}
			}

			files, err := filepath.Glob(filepath.Join(backupDir, node+"-*.badger.age"))
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no backups of %s in %s", node, backupDir)
			}
			// names embed a UTC timestamp, so lexical order is creation order
			sort.Strings(files)

			password, err := promptPassword("Enter storage password: ")
			if err != nil {
				return err
			}
			defer security.ZeroString(&password)

			store, err := kvstore.NewBadgerStore(kvstore.BadgerConfig{
				NodeID:              node,
				EncryptionKey:       []byte(password),
				BackupEncryptionKey: []byte(password),
				BackupDir:           backupDir,
				DBPath:              recoveryPath,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			for _, path := range files {
				if err := restoreFile(store, path, []byte(password)); err != nil {
					return fmt.Errorf("restore %s: %w", path, err)
				}
				fmt.Printf("Restored %s\n", filepath.Base(path))
			}
			fmt.Printf("Database recovery completed, restored database is at %s\n", recoveryPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backupDir, "backup-dir", "b", "", "Directory containing encrypted backup files (required)")
	cmd.Flags().StringVarP(&recoveryPath, "recovery-path", "r", "", "Target path for the restored database (required)")
	cmd.Flags().StringVarP(&node, "node", "n", "", "Guardian name the backups belong to (required)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite the recovery path if it exists")
	_ = cmd.MarkFlagRequired("backup-dir")
	_ = cmd.MarkFlagRequired("recovery-path")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func restoreFile(store *kvstore.BadgerStore, path string, password []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Restore(f, password)
}
