package syncclient

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/sprayworks/foam_backend/models"
)

// Fingerprint hashes the debounced, coordinator-owned part of organization state.
// Job records are written per action and stay out of it.
func Fingerprint(settings models.OrgSettings) uint64 {
	b, err := json.Marshal(settings)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}
