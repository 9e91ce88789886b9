package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var ErrNoCredentials = errors.New("no wallet credentials")

// CredentialStore persists the agent wallet handle, separately from the ledger.
type CredentialStore struct {
	path string
	log  *slog.Logger
}

func NewCredentialStore(path string, log *slog.Logger) *CredentialStore {
	return &CredentialStore{path: path, log: log}
}

// Load returns the stored handle, or ErrNoCredentials if the file is missing
// or has no keys.
func (s *CredentialStore) Load() (Handle, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Handle{}, ErrNoCredentials
	}
	if err != nil {
		return Handle{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return Handle{}, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if h.PublicKey == "" || h.PrivateKey == "" {
		return Handle{}, ErrNoCredentials
	}
	if err := Validate(h); err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (s *CredentialStore) Save(h Handle) error {
	data, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Ensure returns the stored handle, generating and persisting a new keypair on
// first run. The handle is never replaced once it exists.
func (s *CredentialStore) Ensure() (Handle, bool, error) {
	h, err := s.Load()
	if err == nil {
		return h, false, nil
	}
	if !errors.Is(err, ErrNoCredentials) {
		return Handle{}, false, err
	}

	h, err = Generate()
	if err != nil {
		return Handle{}, false, err
	}
	if err := s.Save(h); err != nil {
		return Handle{}, false, err
	}
	h, err = s.Load()
	if err != nil {
		return Handle{}, false, fmt.Errorf("credentials unavailable after generation: %w", err)
	}
	s.log.Info("wallet: generated new agent wallet", "public_key", h.PublicKey, "path", s.path)
	return h, true, nil
}

// Generate creates a fresh ed25519 keypair.
func Generate() (Handle, error) {
	pk, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return Handle{
		PublicKey:  pk.PublicKey().String(),
		PrivateKey: pk.String(),
	}, nil
}

// Validate checks that the handle holds a well-formed keypair whose public
// half matches the private key.
func Validate(h Handle) error {
	if _, err := solana.PublicKeyFromBase58(h.PublicKey); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	raw, err := base58.Decode(h.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != 64 {
		return fmt.Errorf("invalid private key length %d", len(raw))
	}
	if solana.PrivateKey(raw).PublicKey().String() != h.PublicKey {
		return errors.New("private key does not match public key")
	}
	return nil
}

// IsAddress reports whether s is a valid base58 account address.
func IsAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}
