package commandqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// unknownIdentity is used when the payload names no key.
const unknownIdentity = "unknown"

// identityFields are checked in order; both spellings of each are accepted.
var identityFields = [][2]string{
	{"publicKey", "public_key"},
	{"keyCode", "key_code"},
	{"keyToken", "key_token"},
}

// KeyIdentity extracts the key a payload refers to: public key, then key
// code, then key token, else "unknown".
func KeyIdentity(payload json.RawMessage) string {
	var fields map[string]any
	if len(payload) == 0 || json.Unmarshal(payload, &fields) != nil {
		return unknownIdentity
	}
	for _, names := range identityFields {
		for _, name := range names {
			if v, ok := fields[name].(string); ok && v != "" {
				return v
			}
		}
	}
	return unknownIdentity
}

// IdempotencyKey is the hex SHA-256 of device, command type and key identity.
func IdempotencyKey(deviceID string, typ CommandType, payload json.RawMessage) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + string(typ) + "|" + KeyIdentity(payload)))
	return hex.EncodeToString(sum[:])
}
