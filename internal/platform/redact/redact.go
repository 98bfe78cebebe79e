package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Redactor turns patient identifiers into stable pseudonymous references
// for logs. The same identifier always maps to the same reference for a
// given salt, so log lines can still be correlated.
type Redactor struct {
	key []byte
}

func New(salt string) *Redactor {
	return &Redactor{key: []byte(salt)}
}

// Ref returns "p_" followed by the first 16 hex digits of
// HMAC-SHA256(salt, id). Empty input yields "".
func (r *Redactor) Ref(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	var key []byte
	if r != nil {
		key = r.key
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	return "p_" + hex.EncodeToString(mac.Sum(nil))[:16]
}
