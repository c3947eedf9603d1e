package policy

import (
	"context"
	"fmt"

	"github.com/beeper/bridgekit/pkg/adapter"
)

// Default media limits.
const (
	DefaultMaxMediaBytes = 25 * 1024 * 1024
	DefaultMaxMediaItems = 10
)

var kindCapability = map[string]adapter.Capability{
	"image": adapter.CapImage,
	"audio": adapter.CapAudio,
	"video": adapter.CapVideo,
	"file":  adapter.CapFile,
}

// BasicMediaPolicy enforces size, type, and count limits plus channel
// capability. A payload carrying fallback_text downgrades to a text send
// instead of failing when the media itself is rejected.
type BasicMediaPolicy struct {
	MaxBytes int64
	MaxItems int
	// AllowedKinds restricts media kinds; empty allows every kind the
	// channel supports.
	AllowedKinds []string
}

var _ MediaPolicy = (*BasicMediaPolicy)(nil)

func (p *BasicMediaPolicy) PrepareOutbound(ctx context.Context, media map[string]any, caps adapter.CapabilitySet, opts map[string]any) PreparedMedia {
	fallback, _ := media["fallback_text"].(string)
	reject := func(reason string) PreparedMedia {
		if fallback != "" {
			return PreparedMedia{
				Verdict:      MediaFallbackText,
				FallbackText: fallback,
				Reason:       reason,
				Metadata:     map[string]any{"rejected_reason": reason},
			}
		}
		return PreparedMedia{Verdict: MediaRejected, Reason: reason}
	}

	kind, _ := media["kind"].(string)
	if kind == "" {
		return reject("missing_kind")
	}
	if len(p.AllowedKinds) > 0 {
		allowed := false
		for _, k := range p.AllowedKinds {
			if k == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			return reject("unsupported_type")
		}
	}
	capability, ok := kindCapability[kind]
	if !ok {
		return reject("unsupported_type")
	}
	if !caps.Has(capability) {
		return reject("channel_capability")
	}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	if size := mediaSize(media); size > maxBytes {
		return reject(fmt.Sprintf("size_exceeded:%d", size))
	}

	maxItems := p.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxMediaItems
	}
	if items, ok := media["items"].([]any); ok && len(items) > maxItems {
		return reject("count_exceeded")
	}

	if url, _ := media["url"].(string); url == "" {
		if _, hasData := media["data"]; !hasData {
			return reject("missing_source")
		}
	}

	// Strip the fallback directive before handing the payload to the
	// adapter.
	payload := make(map[string]any, len(media))
	for k, v := range media {
		if k == "fallback_text" {
			continue
		}
		payload[k] = v
	}
	return PreparedMedia{Verdict: MediaOK, Payload: payload}
}

func mediaSize(media map[string]any) int64 {
	switch v := media["size"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
