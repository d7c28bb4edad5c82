package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"marketpulse/pkg/models"
)

// Fingerprint derives the cache key for a memoized computation: the hex
// sha-256 of the job type and the canonical JSON of its declared inputs.
// encoding/json writes map keys in sorted order, so logically equal
// parts hash identically regardless of construction order.
func Fingerprint(jobType models.JobType, parts interface{}) (string, error) {
	canonical, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("fingerprint parts not serializable: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{'\n'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
