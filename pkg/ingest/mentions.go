package ingest

import (
	"strings"

	"github.com/beeper/bridgekit/pkg/adapter"
)

// normalizeMentionText lowercases and strips zero-width and directional
// formatting characters so mention comparison is deterministic across
// platforms that decorate display names.
func normalizeMentionText(text string) string {
	if text == "" {
		return ""
	}
	return strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 0x200b && r <= 0x200f:
			return -1
		case r >= 0x202a && r <= 0x202e:
			return -1
		case r >= 0x2060 && r <= 0x206f:
			return -1
		case r == 0xfeff:
			return -1
		}
		return r
	}, text))
}

// mergeMentions combines adapter-supplied mentions with parser output,
// dropping parser mentions that cover the same span as an existing one or
// name the same (non-empty) user id.
func mergeMentions(supplied, parsed []adapter.Mention) []adapter.Mention {
	if len(parsed) == 0 {
		return supplied
	}
	out := append([]adapter.Mention(nil), supplied...)
	for _, candidate := range parsed {
		duplicate := false
		for _, existing := range out {
			if existing.Offset == candidate.Offset && existing.Length == candidate.Length {
				duplicate = true
				break
			}
			if candidate.UserID != "" && existing.UserID == candidate.UserID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, candidate)
		}
	}
	return out
}

// wasMentioned reports whether any mention or inline @reference hits one
// of the configured targets. Targets are compared after normalization.
func wasMentioned(body string, mentions []adapter.Mention, targets []string) bool {
	if len(targets) == 0 {
		return false
	}
	normalizedTargets := make([]string, 0, len(targets))
	for _, target := range targets {
		if t := normalizeMentionText(strings.TrimPrefix(strings.TrimSpace(target), "@")); t != "" {
			normalizedTargets = append(normalizedTargets, t)
		}
	}
	if len(normalizedTargets) == 0 {
		return false
	}
	hit := func(name string) bool {
		name = normalizeMentionText(strings.TrimPrefix(name, "@"))
		if name == "" {
			return false
		}
		for _, target := range normalizedTargets {
			if name == target {
				return true
			}
		}
		return false
	}
	for _, mention := range mentions {
		if hit(mention.Username) || hit(mention.UserID) {
			return true
		}
	}
	for _, token := range strings.Fields(normalizeMentionText(body)) {
		if !strings.HasPrefix(token, "@") {
			continue
		}
		if hit(strings.TrimRight(token, ".,!?:;")) {
			return true
		}
	}
	return false
}

// stripLeadingMention removes one leading @token (and surrounding space)
// from the body, returning the stripped body and whether anything changed.
func stripLeadingMention(body string) (string, bool) {
	trimmed := strings.TrimLeft(body, " \t")
	if !strings.HasPrefix(trimmed, "@") {
		return body, false
	}
	rest := trimmed
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		rest = trimmed[idx:]
	} else {
		rest = ""
	}
	return strings.TrimLeft(rest, " \t"), true
}
