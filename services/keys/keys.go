// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys resolves provider and GitHub credentials.
//
// Lookup order is values passed on the command line, then the process
// environment (after loading .env without overriding), then the OS keyring under the "testpilot" service. Resolved
// values are sealed in memguard enclaves until a client needs them.
package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
)

// ServiceName is the keyring service.
const ServiceName = "testpilot"

// Credential names.
const (
	OpenAIAPIKey    = "OPENAI_API_KEY"
	AnthropicAPIKey = "ANTHROPIC_API_KEY"
	GeminiAPIKey    = "GEMINI_API_KEY"
	GoogleAPIKey    = "GOOGLE_API_KEY"
	GitHubToken     = "GITHUB_TOKEN"
)

// StoredNames are the credentials that may live in the keyring.
var StoredNames = []string{AnthropicAPIKey, GeminiAPIKey, GitHubToken, OpenAIAPIKey}

// IsStoredName reports whether name may be kept in the keyring.
func IsStoredName(name string) bool {
	for _, n := range StoredNames {
		if n == name {
			return true
		}
	}
	return false
}

// fallbacks lists alternative environment variables per credential.
var fallbacks = map[string][]string{
	GeminiAPIKey: {GoogleAPIKey},
}

var (
	// ErrNotFound indicates the credential is in neither the environment
	// nor the keyring.
	ErrNotFound = errors.New("credential not found")

	// ErrNoKeyring indicates no keyring backend is available.
	ErrNoKeyring = errors.New("no keyring backend available")

	// ErrUnknownName indicates a credential name outside StoredNames.
	ErrUnknownName = errors.New("unknown credential name")

	// ErrEmptyValue indicates an attempt to store an empty credential.
	ErrEmptyValue = errors.New("empty credential")
)

// Source says where a credential came from.
type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
)

// Store looks up credentials.
//
// Thread Safety: Safe for concurrent use if the keyring is.
type Store struct {
	kr        keyring.Keyring
	env       func(string) string
	overrides map[string]*memguard.Enclave
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKeyring sets the keyring. Nil disables keyring lookups.
func WithKeyring(kr keyring.Keyring) Option {
	return func(s *Store) {
		s.kr = kr
	}
}

// WithEnv replaces os.Getenv.
func WithEnv(env func(string) string) Option {
	return func(s *Store) {
		if env != nil {
			s.env = env
		}
	}
}

// WithOverride makes name resolve to the sealed value ahead of the
// environment and keyring. A nil enclave is ignored.
func WithOverride(name string, value *memguard.Enclave) Option {
	return func(s *Store) {
		if value == nil {
			return
		}
		if s.overrides == nil {
			s.overrides = make(map[string]*memguard.Enclave)
		}
		s.overrides[name] = value
	}
}

// Seal moves a plaintext credential into an enclave. Empty input yields nil.
func Seal(value string) *memguard.Enclave {
	if value == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(value))
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store. Without WithKeyring only the environment is
// consulted.
func NewStore(opts ...Option) *Store {
	s := &Store{env: os.Getenv, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenKeyring opens the OS keyring for ServiceName. Only OS-native
// backends are allowed; the encrypted-file backend would need its own
// password prompt.
func OpenKeyring() (keyring.Keyring, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeyring, err)
	}
	return kr, nil
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Lookup seals the named credential in an enclave.
//
// Outputs:
//
//	*memguard.Enclave - The sealed value.
//	Source - Where it was found.
//	error - ErrNotFound when absent everywhere.
func (s *Store) Lookup(name string) (*memguard.Enclave, Source, error) {
	if e, ok := s.overrides[name]; ok {
		return e, SourceFlag, nil
	}
	for _, env := range append([]string{name}, fallbacks[name]...) {
		if v := s.env(env); v != "" {
			return memguard.NewEnclave([]byte(v)), SourceEnv, nil
		}
	}

	if s.kr != nil {
		item, err := s.kr.Get(name)
		switch {
		case err == nil && len(item.Data) > 0:
			// NewEnclave wipes its input; the keyring may hand out its own slice.
			return memguard.NewEnclave(append([]byte(nil), item.Data...)), SourceKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrKeyNotFound):
			s.logger.Warn("keyring lookup failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Resolve returns the plaintext of the named credential. Callers should
// hold it only for as long as constructing a client takes.
func (s *Store) Resolve(name string) (string, error) {
	enclave, source, err := s.Lookup(name)
	if err != nil {
		return "", err
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening enclave for %s: %w", name, err)
	}
	defer buf.Destroy()

	s.logger.Debug("credential resolved", slog.String("name", name), slog.String("source", string(source)))
	return string(buf.Bytes()), nil
}

// Save stores a credential in the keyring. Only StoredNames are accepted.
func (s *Store) Save(name, value string) error {
	if s.kr == nil {
		return ErrNoKeyring
	}
	if !IsStoredName(name) {
		return fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	if value == "" {
		return fmt.Errorf("%w: empty value for %s", ErrEmptyValue, name)
	}
	return s.kr.Set(keyring.Item{
		Key:   name,
		Data:  []byte(value),
		Label: "TestPilot " + name,
	})
}

// Reset removes every StoredNames entry from the keyring and returns the
// names that were present.
func (s *Store) Reset() ([]string, error) {
	if s.kr == nil {
		return nil, ErrNoKeyring
	}
	existing, err := s.kr.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keyring: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, k := range existing {
		present[k] = true
	}

	var removed []string
	for _, name := range StoredNames {
		if !present[name] {
			continue
		}
		if err := s.kr.Remove(name); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	s.logger.Info("keyring entries removed", slog.Any("names", removed))
	return removed, nil
}

// Purge wipes all enclaves and locked buffers. Call on shutdown.
func Purge() {
	memguard.Purge()
}
