package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func hashString(s string, salt []byte) string {
	if s == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}
