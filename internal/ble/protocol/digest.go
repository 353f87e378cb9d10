package protocol

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest returns a short BLAKE2b fingerprint of payload. It is only used to
// correlate transfers in logs; the peripheral never sees it.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
