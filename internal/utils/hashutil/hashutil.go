package hashutil

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Blake3Hash returns the hex encoded 256-bit blake3 digest of data.
func Blake3Hash(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortDigest is the first 12 hex characters of Blake3Hash, enough to
// correlate log lines for the same upload.
func ShortDigest(data []byte) string {
	return Blake3Hash(data)[:12]
}
