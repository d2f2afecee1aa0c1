// Package secrets keeps channel credentials in the OS keyring.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keyring service all nexa entries live under.
const ServiceName = "nexa"

// Well-known token names.
const (
	SlackBotToken = "slack-bot-token"
	KafkaPassword = "kafka-password"
)

// ErrTokenNotFound is returned when no token is stored under a name.
var ErrTokenNotFound = errors.New("token not found in keyring")

// KeyringStore reads and writes named tokens.
type KeyringStore struct {
	service string
}

// NewKeyringStore returns a store under ServiceName.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: ServiceName}
}

func normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", fmt.Errorf("token name is required")
	}
	return n, nil
}

// SetToken stores token under name, replacing any previous value.
func (k *KeyringStore) SetToken(name, token string) error {
	n, err := normalize(name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("refusing to store empty %s", n)
	}
	if err := keyring.Set(k.service, n, token); err != nil {
		return fmt.Errorf("keyring set %s: %w", n, err)
	}
	return nil
}

// GetToken returns the token stored under name.
func (k *KeyringStore) GetToken(name string) (string, error) {
	n, err := normalize(name)
	if err != nil {
		return "", err
	}
	token, err := keyring.Get(k.service, n)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", n, err)
	}
	return token, nil
}

// DeleteToken removes the token stored under name.
func (k *KeyringStore) DeleteToken(name string) error {
	n, err := normalize(name)
	if err != nil {
		return err
	}
	err = keyring.Delete(k.service, n)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}
