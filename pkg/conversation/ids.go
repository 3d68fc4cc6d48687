package conversation

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// DeriveConversationID maps a platform-native conversation id onto the
// stable adapter-side id exchanged with the framework. The derivation is
// deterministic so restarts and parallel adapters agree on the same id.
func DeriveConversationID(adapterType, platformConversationID string) string {
	sum := sha256.Sum256([]byte(platformConversationID))
	enc := base64.StdEncoding.EncodeToString(sum[:15])
	enc = strings.TrimRight(enc, "=")
	enc = strings.ReplaceAll(enc, "+", "A")
	enc = strings.ReplaceAll(enc, "/", "B")
	return adapterType + "_" + enc
}
