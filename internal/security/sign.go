package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex HMAC-SHA256 of data under the guard secret. It is
// the producer half of VerifySignature: handlers that build inline keyboards
// sign each callback payload on creation so a client cannot forge actions
// for another user.
func Sign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against data in constant time.
func VerifySignature(secret, data, sig string) bool {
	want := Sign(secret, data)
	return hmac.Equal([]byte(want), []byte(sig))
}
