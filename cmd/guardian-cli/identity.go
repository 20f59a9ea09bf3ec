package main

import (
	"fmt"

	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity management commands",
	}
	cmd.AddCommand(newGenerateIdentityCmd())
	return cmd
}

func newGenerateIdentityCmd() *cobra.Command {
	var (
		name      string
		id        string
		outputDir string
		encrypt   bool
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the signing and encryption keys of a guardian or coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = newID()
			}
			if !validID(id) {
				return fmt.Errorf("identity id %q must not contain '.', '*' or '>'", id)
			}

			var passphrase string
			if encrypt {
				var err error
				if passphrase, err = requestPassphrase(); err != nil {
					return err
				}
			} else {
				fmt.Println("WARNING: Private key will NOT be encrypted. This is not recommended for production environments.")
				fmt.Println("Use --encrypt flag to enable encryption.")
			}

			local, err := identity.Generate(id, name)
			if err != nil {
				return err
			}
			defer local.Zero()
			if err := identity.Save(outputDir, local, passphrase, overwrite); err != nil {
				return fmt.Errorf("failed to save identity for %s: %w", name, err)
			}
			fmt.Printf("Generated identity %s (%s) in %s\n", name, id, outputDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Identity name, used for file names (required)")
	cmd.Flags().StringVar(&id, "id", "", "Identity id on the wire, defaults to a fresh UUID")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "identity", "Output directory for identity files")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "Encrypt private key with age (recommended for production)")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "Overwrite identity files if they already exist")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// validID rejects ids that would break NATS subject routing.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == '.' || r == '*' || r == '>' || r == ' ' {
			return false
		}
	}
	return true
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
