package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
)

// hexKeyPattern matches the `x'<hex>'` keyspec literal format.
var hexKeyPattern = regexp.MustCompile(`^x'([0-9a-fA-F]+)'$`)

// validateKeyFormat enforces §4.5/§6: a non-empty passphrase, or a
// `x'<hex>'` literal whose hex length is 64 (SQLCipher 3) or 96
// (SQLCipher 4) and every character is a hex digit.
func validateKeyFormat(key string) error {
	if key == "" {
		return apierr.InvalidKeyFormat("encryption key must not be empty")
	}
	if m := hexKeyPattern.FindStringSubmatch(key); m != nil {
		hexPart := m[1]
		if len(hexPart) != 64 && len(hexPart) != 96 {
			return apierr.InvalidKeyFormat(fmt.Sprintf("hex key length must be 64 or 96, got %d", len(hexPart)))
		}
		return nil
	}
	// Any other non-empty string is accepted as a passphrase.
	return nil
}

// applyEncryption runs the five-step sequence from §4.5: obtain the key,
// validate its format, apply it via PRAGMA key, run the descriptor's
// ordered preparation statements, then verify access by touching
// sqlite_master. On any failure the connection is left for the caller to
// close and AccessDenied is returned.
func applyEncryption(ctx context.Context, db *sql.DB, kp KeyProvider, d Descriptor) error {
	if kp == nil {
		return apierr.AccessDenied("database is encrypted and no key provider is registered")
	}
	key, err := kp.GetKey(ctx)
	if err != nil {
		return apierr.AccessDenied("key provider error: " + err.Error())
	}
	if err := validateKeyFormat(key); err != nil {
		return apierr.AccessDenied(err.Error())
	}

	// PRAGMA key's literal cannot be bound as a parameter; the key has
	// already passed strict format validation above.
	escaped := strings.ReplaceAll(key, `"`, `""`)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA key = "%s"`, escaped)); err != nil {
		return apierr.AccessDenied("failed to apply encryption key")
	}

	for _, stmt := range d.PreparationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return apierr.AccessDenied("preparation statement failed: " + err.Error())
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&count); err != nil {
		return apierr.AccessDenied("Invalid encryption key: verification query failed")
	}
	return nil
}
