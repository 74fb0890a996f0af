// Package credentials keeps minutesctl bearer tokens in the system keyring
// (macOS Keychain, Windows Credential Manager, Linux Secret Service).
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

const service = "minutesctl"

var (
	ErrNoCredentials = errors.New("not logged in, run `minutesctl login`")
	ErrExpired       = errors.New("stored token has expired, run `minutesctl login`")
)

type Credentials struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store keys credentials by server URL so that one machine can talk to
// several deployments.
type Store struct {
	now func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

func (s *Store) Save(server string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := keyring.Set(service, server, string(data)); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

func (s *Store) Load(server string) (*Credentials, error) {
	data, err := keyring.Get(service, server)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("stored credentials are corrupt: %w", err)
	}
	if creds.Expired(s.now()) {
		return nil, ErrExpired
	}
	return &creds, nil
}

func (s *Store) Delete(server string) error {
	err := keyring.Delete(service, server)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
