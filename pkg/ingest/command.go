package ingest

import (
	"strings"

	"github.com/beeper/bridgekit/pkg/policy"
)

// DefaultCommandMaxBytes bounds the body length the command parser will
// look at. Longer bodies are treated as plain text.
const DefaultCommandMaxBytes = 2048

// DefaultCommandPrefixes are tried in order when none are configured.
var DefaultCommandPrefixes = []string{"/", "!"}

func isCommandNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// parseCommandOnce attempts a (prefix, name, args) parse on one body form.
func parseCommandOnce(body string, prefixes []string) (policy.Command, bool) {
	trimmed := strings.TrimSpace(body)
	for _, prefix := range prefixes {
		if prefix == "" || !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
		if rest == "" {
			return policy.Command{Prefix: prefix, Status: policy.CommandError}, true
		}
		fields := strings.Fields(rest)
		name := fields[0]
		for _, r := range name {
			if !isCommandNameRune(r) {
				return policy.Command{Prefix: prefix, Status: policy.CommandError}, true
			}
		}
		return policy.Command{
			Prefix: prefix,
			Name:   strings.ToLower(name),
			Args:   fields[1:],
			Status: policy.CommandOK,
		}, true
	}
	return policy.Command{}, false
}

// parseCommand runs the bounded two-pass command parse: first on the body
// as-is, then on the body with one leading mention stripped. The first
// successful parse wins.
func parseCommand(body string, prefixes []string, maxBytes int) policy.Command {
	if len(prefixes) == 0 {
		prefixes = DefaultCommandPrefixes
	}
	if maxBytes <= 0 {
		maxBytes = DefaultCommandMaxBytes
	}
	if len(body) > maxBytes {
		return policy.Command{Status: policy.CommandNone}
	}
	if cmd, attempted := parseCommandOnce(body, prefixes); attempted {
		cmd.Source = policy.SourceBody
		return cmd
	}
	if stripped, changed := stripLeadingMention(body); changed {
		if cmd, attempted := parseCommandOnce(stripped, prefixes); attempted {
			cmd.Source = policy.SourceMentionStripped
			return cmd
		}
	}
	return policy.Command{Status: policy.CommandNone}
}
