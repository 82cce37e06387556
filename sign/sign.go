// Package sign computes the HMAC signatures the 3Commas deals channel and
// REST API expect. Signatures are always taken over one of the fixed path
// literals below, keyed with a subscription's secret key.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	// DealsChannelPath is signed for websocket subscription identifiers.
	DealsChannelPath = "/deals"
	// DealsQueryPath is signed for the finished-deals REST query.
	DealsQueryPath = "/public/api/ver1/deals?scope=finished&order=closed_at"
)

// Sum returns the lowercase hex HMAC-SHA256 digest of path keyed with secret.
func Sum(secret, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(path))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the digest of path under secret. The
// comparison is constant time so a miss does not leak how close the candidate
// digest was.
func Verify(secret, path, signature string) bool {
	return hmac.Equal([]byte(Sum(secret, path)), []byte(signature))
}
