package notifications

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/BearBump/ShipSync/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA-256 of the raw request body.
const SignatureHeader = "sendcloud-signature"

// ValidateSignature checks the webhook signature against the connection's
// secret key. Without a connection, or while allowNewIntegration is not
// DISABLED, a new integration is being set up and messages are signed with a
// secret we do not know yet, so validation is bypassed.
func ValidateSignature(conn *models.Connection, body []byte, signature string) bool {
	if conn == nil || conn.AllowNewIntegration != models.AllowNewIntegrationDisabled {
		return true
	}

	if conn.SecretKey == "" {
		slog.Warn("secret key is not configured on the sendcloud connection")
	}

	mac := hmac.New(sha256.New, []byte(conn.SecretKey))
	mac.Write(body)
	calculated := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(calculated), []byte(signature))
}
