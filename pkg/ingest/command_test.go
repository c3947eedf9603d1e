package ingest

import (
	"strings"
	"testing"

	"github.com/beeper/bridgekit/pkg/policy"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus policy.CommandStatus
		wantName   string
		wantArgs   int
		wantSource policy.CommandSource
	}{
		{"simple", "/help", policy.CommandOK, "help", 0, policy.SourceBody},
		{"with args", "/ban user_7 spam", policy.CommandOK, "ban", 2, policy.SourceBody},
		{"bang prefix", "!status now", policy.CommandOK, "status", 1, policy.SourceBody},
		{"mention stripped", "@bot /help me", policy.CommandOK, "help", 1, policy.SourceMentionStripped},
		{"plain text", "hello there", policy.CommandNone, "", 0, ""},
		{"bare prefix", "/", policy.CommandError, "", 0, policy.SourceBody},
		{"bad name", "/hé", policy.CommandError, "", 0, policy.SourceBody},
		{"uppercase normalized", "/HELP", policy.CommandOK, "help", 0, policy.SourceBody},
		{"mention no command", "@bot hello", policy.CommandNone, "", 0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := parseCommand(tc.body, nil, 0)
			if cmd.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", cmd.Status, tc.wantStatus)
			}
			if cmd.Name != tc.wantName {
				t.Fatalf("name = %q, want %q", cmd.Name, tc.wantName)
			}
			if len(cmd.Args) != tc.wantArgs {
				t.Fatalf("args = %v", cmd.Args)
			}
			if tc.wantSource != "" && cmd.Source != tc.wantSource {
				t.Fatalf("source = %s, want %s", cmd.Source, tc.wantSource)
			}
		})
	}
}

func TestParseCommandLengthBound(t *testing.T) {
	// A body of exactly the limit is parsed; one byte more is not.
	atLimit := "/echo " + strings.Repeat("a", DefaultCommandMaxBytes-6)
	if len(atLimit) != DefaultCommandMaxBytes {
		t.Fatalf("setup: body is %d bytes", len(atLimit))
	}
	cmd := parseCommand(atLimit, nil, 0)
	if cmd.Status != policy.CommandOK || cmd.Name != "echo" {
		t.Fatalf("at limit: %+v", cmd)
	}

	over := atLimit + "a"
	cmd = parseCommand(over, nil, 0)
	if cmd.Status != policy.CommandNone {
		t.Fatalf("over limit: status = %s, want none", cmd.Status)
	}
}

func TestWasMentioned(t *testing.T) {
	targets := []string{"@EchoBot", "bridge"}
	tests := []struct {
		name     string
		body     string
		mentions int
		want     bool
	}{
		{"inline at", "hey @echobot help", 0, true},
		{"case insensitive", "HEY @ECHOBOT", 0, true},
		{"zero width evasion", "@echo​bot hi", 0, true},
		{"no mention", "just chatting", 0, false},
		{"other user", "hey @someone", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := wasMentioned(tc.body, nil, targets); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStripLeadingMention(t *testing.T) {
	got, changed := stripLeadingMention("@bot /help")
	if !changed || got != "/help" {
		t.Fatalf("got %q changed=%v", got, changed)
	}
	got, changed = stripLeadingMention("no mention")
	if changed || got != "no mention" {
		t.Fatalf("got %q changed=%v", got, changed)
	}
	got, changed = stripLeadingMention("@only")
	if !changed || got != "" {
		t.Fatalf("got %q changed=%v", got, changed)
	}
}
