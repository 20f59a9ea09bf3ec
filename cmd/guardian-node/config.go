package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/fystack/mpcium-guardian/pkg/config"
	"github.com/fystack/mpcium-guardian/pkg/identity"
	"github.com/fystack/mpcium-guardian/pkg/security"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// readPasswordFile returns the trimmed content of filePath.
func readPasswordFile(filePath string) (string, error) {
	passwordBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read password file %s", filePath)
	}
	defer security.ZeroBytes(passwordBytes)

	password := strings.TrimSpace(string(passwordBytes))
	if password == "" {
		return "", errors.Errorf("password file %s is empty", filePath)
	}
	return password, nil
}

// loadPasswordFromFile installs the storage password read from filePath.
func loadPasswordFromFile(cfg *config.Config, filePath string) error {
	password, err := readPasswordFile(filePath)
	if err != nil {
		return err
	}
	cfg.BadgerPassword = password
	config.SetBadgerPassword(password)
	return nil
}

// promptForSensitiveCredentials asks for the storage password twice on the terminal.
func promptForSensitiveCredentials(cfg *config.Config) error {
	fmt.Println("WARNING: Please back up your storage password in a secure location.")
	fmt.Println("It seals every key share; if you lose it, the shares on this guardian are lost!")

	var pass, confirm []byte
	defer func() {
		security.ZeroBytes(pass)
		security.ZeroBytes(confirm)
	}()

	for {
		var err error
		fmt.Print("Enter storage password: ")
		pass, err = term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return errors.Wrap(err, "failed to read password")
		}
		fmt.Println()
		if len(pass) == 0 {
			fmt.Println("Password cannot be empty. Please try again.")
			continue
		}

		fmt.Print("Confirm storage password: ")
		confirm, err = term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return errors.Wrap(err, "failed to read confirmation password")
		}
		fmt.Println()
		if string(pass) != string(confirm) {
			fmt.Println("Passwords do not match. Please try again.")
			continue
		}
		break
	}

	password := string(pass)
	fmt.Printf("Password set: %s\n", maskString(password))
	cfg.BadgerPassword = password
	config.SetBadgerPassword(password)
	return nil
}

// identityPassphrase returns the passphrase source for an age-encrypted identity key, or nil when the key
// is stored in plain text.
func identityPassphrase(encrypted bool, passwordFile string) identity.Passphrase {
	if !encrypted {
		return nil
	}
	if passwordFile != "" {
		return func() ([]byte, error) {
			pw, err := readPasswordFile(passwordFile)
			if err != nil {
				return nil, err
			}
			b := []byte(pw)
			security.ZeroString(&pw)
			return b, nil
		}
	}
	return func() ([]byte, error) {
		fmt.Print("Enter identity passphrase: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read identity passphrase")
		}
		return b, nil
	}
}

// maskString shows the first and last character of s.
func maskString(s string) string {
	if len(s) <= 2 {
		return s
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}

// checkRequiredConfigValues fails when the node cannot run with cfg.
func checkRequiredConfigValues(cfg *config.Config) error {
	if cfg.NATs == nil || cfg.NATs.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Consul == nil || cfg.Consul.Address == "" {
		return errors.New("consul.address is required")
	}
	if cfg.CoordinatorID == "" {
		return errors.New("coordinator_id is required")
	}
	// shares are sealed with this password whatever the backend
	if cfg.BadgerPassword == "" {
		return errors.New("storage password is required")
	}
	if cfg.StorageType == config.StoragePostgres && cfg.PostgresDSN == "" {
		return errors.New("postgres_dsn is required")
	}
	return nil
}
