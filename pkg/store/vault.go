package store

import (
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/AlecAivazis/survey/v2"
	"github.com/pkg/errors"
)

const (
	VaultName           = "isideload-vault"
	KeychainServiceName = "isideload-auth.service"
)

// OpenVault opens (or creates) the credential vault under configDir. An
// empty password prompts for one when the file backend first needs it; a
// prompt interrupt surfaces as terminal.InterruptErr so the caller decides
// how to exit.
func OpenVault(configDir, password string) (keyring.Keyring, error) {
	vault, err := keyring.Open(keyring.Config{
		ServiceName:                    KeychainServiceName,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		KeychainTrustApplication:       true,
		FileDir:                        configDir,
		FilePasswordFunc:               vaultPassword(configDir, password),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open vault")
	}
	return vault, nil
}

// vaultPassword hands the configured password to the file backend, asking
// the user for one only when none was given.
func vaultPassword(configDir, password string) keyring.PromptFunc {
	return func(string) (string, error) {
		if password != "" {
			return password, nil
		}
		path := filepath.Join(configDir, VaultName)
		msg := "Password to unlock " + path + ":"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			msg = "Pick a password to protect " + path + ":"
		}
		var entered string
		if err := survey.AskOne(&survey.Password{Message: msg}, &entered, survey.WithValidator(survey.Required)); err != nil {
			return "", err
		}
		return entered, nil
	}
}
