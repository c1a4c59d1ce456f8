package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a stable identity for a (kind, payload) pair, used as
// the result-cache key. The payload is canonicalized first: decoded and
// re-encoded so object key order and insignificant whitespace do not change
// the hash. Payloads that are not valid JSON hash over their raw bytes.
func Fingerprint(kind string, payload json.RawMessage) string {
	canon := payload
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canon = b
		}
	}

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}
