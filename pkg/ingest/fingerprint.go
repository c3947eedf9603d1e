package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/beeper/bridgekit/pkg/adapter"
)

// DedupeScope controls which identifiers enter the fingerprint.
type DedupeScope string

const (
	// ScopeBridge (the default) dedupes per configured bridge.
	ScopeBridge DedupeScope = "bridge"
	// ScopeChannel dedupes across every bridge of a channel family, for
	// deployments where two bridges can deliver the same platform event.
	ScopeChannel DedupeScope = "channel"
)

// fingerprint derives the dedupe key for an inbound message. The external
// message id is preferred; without one the key is synthesized from room,
// sender, timestamp, and a hash of the text.
func fingerprint(channel, bridgeID string, inc *adapter.Incoming, scope DedupeScope) string {
	bridgePart := bridgeID
	if scope == ScopeChannel {
		bridgePart = "*"
	}
	if inc.ExternalMessageID != "" {
		return fmt.Sprintf("%s|%s|%s", channel, bridgePart, inc.ExternalMessageID)
	}
	sum := sha256.Sum256([]byte(inc.Text))
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		channel, bridgePart, inc.ExternalRoomID, inc.ExternalUserID,
		inc.Timestamp.UnixMilli(), hex.EncodeToString(sum[:8]))
}
