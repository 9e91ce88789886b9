package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	atotesting "github.com/malbeclabs/ato/utils/pkg/testing"
)

func TestATO_Wallet_Credentials_Ensure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "wallet_credentials.json")
	store := NewCredentialStore(path, atotesting.NewLogger())

	_, err := store.Load()
	require.ErrorIs(t, err, ErrNoCredentials)

	h, created, err := store.Ensure()
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, Validate(h))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, created, err := store.Ensure()
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, h, again)
}

func TestATO_Wallet_Credentials_EmptyFileIsRegenerated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet_credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"public_key": null, "private_key": null}`), 0o600))

	h, created, err := NewCredentialStore(path, atotesting.NewLogger()).Ensure()
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, h.PublicKey)
}

func TestATO_Wallet_Credentials_Validate(t *testing.T) {
	t.Parallel()

	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	require.NoError(t, Validate(a))
	require.Error(t, Validate(Handle{PublicKey: a.PublicKey, PrivateKey: b.PrivateKey}))
	require.Error(t, Validate(Handle{PublicKey: a.PublicKey, PrivateKey: "0OIl"}))
	require.Error(t, Validate(Handle{PublicKey: "short", PrivateKey: a.PrivateKey}))

	require.True(t, IsAddress(a.PublicKey))
	require.False(t, IsAddress("not base58 0"))
}

func TestATO_Wallet_Credentials_CorruptFileIsAnError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet_credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

	_, _, err := NewCredentialStore(path, atotesting.NewLogger()).Ensure()
	require.Error(t, err)
}
