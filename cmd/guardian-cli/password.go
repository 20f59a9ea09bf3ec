package main

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

const minPassphraseLength = 12

// requestPassphrase prompts for a new passphrase twice and checks its strength.
func requestPassphrase() (string, error) {
	fmt.Println("IMPORTANT: Please ensure you back up your passphrase securely.")
	fmt.Println("If lost, you won't be able to recover your private key.")

	passphrase, err := promptPassword("Enter passphrase to encrypt private key: ")
	if err != nil {
		return "", err
	}
	confirmation, err := promptPassword("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if passphrase != confirmation {
		return "", errors.New("passphrases do not match")
	}
	if len(passphrase) < minPassphraseLength {
		return "", errors.Errorf("passphrase too short (minimum %d characters)", minPassphraseLength)
	}
	if !containsSpecial(passphrase) {
		return "", errors.New("passphrase must contain at least one special character")
	}
	return passphrase, nil
}

func containsSpecial(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return true
		}
	}
	return false
}

// promptPassword reads a non-empty secret without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}
	if len(b) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(b), nil
}
