// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets stores small secrets, such as provider API keys, encrypted
// in the config table.
//
// Values are sealed with AES-256-GCM under a key derived from the process
// master key with HKDF-SHA256. Each value gets a random nonce and the secret
// name is bound as additional data. Stored values carry the "enc:v1:" marker;
// a value without it was written before encryption was enabled and is
// returned as is.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

const (
	marker  = "enc:v1:"
	keySize = 32
)

var hkdfInfo = []byte("kairos-runner secrets v1")

// Backend is the key/value storage underneath the secret store.
type Backend interface {
	GetConfig(ctx context.Context, name string) (string, bool, error)
	SetConfig(ctx context.Context, name, value string) error
}

// Store reads and writes encrypted secrets.
type Store struct {
	backend Backend
	aead    cipher.AEAD
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a secret store. An empty masterKey leaves the store read-only
// for plaintext values: Set fails and encrypted values read as absent.
func New(backend Backend, masterKey string, opts ...Option) (*Store, error) {
	s := &Store{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if masterKey == "" {
		return s, nil
	}
	aead, err := deriveAEAD([]byte(masterKey))
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

func deriveAEAD(master []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive secret key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Get returns the plaintext for name. A missing secret and one that cannot be
// decrypted both return ok=false; only backend failures return an error.
func (s *Store) Get(ctx context.Context, name string) (string, bool, error) {
	raw, found, err := s.backend.GetConfig(ctx, name)
	if err != nil || !found {
		return "", false, err
	}
	if !strings.HasPrefix(raw, marker) {
		return raw, true, nil
	}
	plain, err := s.open(name, strings.TrimPrefix(raw, marker))
	if err != nil {
		s.logger.WarnContext(ctx, "secret unavailable", "name", name, "error", err)
		return "", false, nil
	}
	return plain, true, nil
}

// Set encrypts value and stores it under name.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New(errors.CodeInvalidInput, "secret name is required", nil)
	}
	sealed, err := s.seal(name, value)
	if err != nil {
		return err
	}
	if err := s.backend.SetConfig(ctx, name, marker+sealed); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "secret stored", "name", name)
	return nil
}

// Lookup adapts Get for callers that want a fallback value.
func (s *Store) Lookup(ctx context.Context, name, fallback string) string {
	if v, ok, err := s.Get(ctx, name); err == nil && ok && v != "" {
		return v
	}
	return fallback
}

func (s *Store) seal(name, value string) (string, error) {
	if s.aead == nil {
		return "", errors.New(errors.CodeSecretUnavailable, "secrets master key is not configured", nil)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.New(errors.CodeInternal, "generate nonce", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Store) open(name, encoded string) (string, error) {
	if s.aead == nil {
		return "", errors.New(errors.CodeSecretUnavailable, "secrets master key is not configured", nil)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.New(errors.CodeSecretUnavailable, "malformed secret record", nil)
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return "", errors.New(errors.CodeSecretUnavailable, "malformed secret record", nil)
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(name))
	if err != nil {
		return "", errors.New(errors.CodeSecretUnavailable, "secret authentication failed", nil)
	}
	return string(plain), nil
}
