package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore map[string]string

func (m memStore) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m memStore) Set(key, value string) error {
	m[key] = value
	return nil
}

func TestHashTokenNeverEqualsPlaintext(t *testing.T) {
	hash, err := HashToken("sekrit-pairing-token")
	require.NoError(t, err)
	require.NotEqual(t, "sekrit-pairing-token", hash)
}

func TestVerifyTokenAcceptsMatchingPlaintext(t *testing.T) {
	hash, err := HashToken("sekrit-pairing-token")
	require.NoError(t, err)
	require.True(t, VerifyToken("sekrit-pairing-token", hash))
	require.False(t, VerifyToken("wrong-token", hash))
}

func TestPersistTokenStoresOnlyTheHash(t *testing.T) {
	store := memStore{}
	require.NoError(t, PersistToken(store, "sekrit-pairing-token"))

	stored, ok := store.Get(TokenPreferenceKey)
	require.True(t, ok)
	require.NotEqual(t, "sekrit-pairing-token", stored)
}

func TestTokenMatchesStoredRecognizesReScannedToken(t *testing.T) {
	store := memStore{}
	require.NoError(t, PersistToken(store, "sekrit-pairing-token"))

	require.True(t, TokenMatchesStored(store, "sekrit-pairing-token"))
	require.False(t, TokenMatchesStored(store, "a-different-token"))
}

func TestTokenMatchesStoredFalseWhenNothingPersisted(t *testing.T) {
	store := memStore{}
	require.False(t, TokenMatchesStored(store, "anything"))
}
