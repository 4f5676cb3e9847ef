package relay

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint identifies one inbound message for deduplication. Two deliveries of the
// same platform event in the same scope hash identically.
func Fingerprint(scopeID uuid.UUID, platform, channel, messageID, handle, text string) string {
	var buf []byte
	for _, part := range []string{scopeID.String(), platform, channel, messageID, handle, norm.NFC.String(text)} {
		buf = append(buf, part...)
		buf = append(buf, 0)
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// AttemptID derives the dispatch attempt identifier for (fingerprint, target platform).
// Retries of the same relay reuse it so dispatchers can deduplicate.
func AttemptID(fingerprint, platform string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint+"|"+platform)).String()
}
