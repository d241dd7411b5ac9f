package config

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// tokenHashCost mirrors the cost factor the rest of this codebase's ambient
// stack uses for credential hashing.
const tokenHashCost = 12

// HashToken hashes a pairing token before it's written to the host's
// preferences store. The probe never persists DebugProbe.token in
// cleartext: a compromised preferences backup shouldn't hand out a live
// Hub pairing secret.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("config: hashing token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken reports whether token matches a hash produced by HashToken.
func VerifyToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// PreferencesStore is the host's namespaced key/value preferences backend
// (e.g. NSUserDefaults, SharedPreferences). The probe only ever reads and
// writes the DebugProbe.* keys through this interface; it never assumes a
// particular storage medium.
type PreferencesStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// TokenPreferenceKey is the preferences key the hashed pairing token is
// stored under.
const TokenPreferenceKey = "DebugProbe.token"

// PersistToken hashes token and writes it to store under
// TokenPreferenceKey. The plaintext is never written to disk; it lives
// only in the resolved Config held in process memory for the lifetime of
// the pairing.
func PersistToken(store PreferencesStore, token string) error {
	hash, err := HashToken(token)
	if err != nil {
		return err
	}
	return store.Set(TokenPreferenceKey, hash)
}

// TokenMatchesStored reports whether token hashes to the value currently
// held in store. Used to recognize a re-scanned pairing QR code as "the
// same pairing" without ever reading a plaintext token back out of
// storage.
func TokenMatchesStored(store PreferencesStore, token string) bool {
	hash, ok := store.Get(TokenPreferenceKey)
	if !ok {
		return false
	}
	return VerifyToken(token, hash)
}
