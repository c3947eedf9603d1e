// Package policy defines the pluggable hooks the ingest pipeline and the
// outbound gateway consult: gating, moderation, outbound sanitization, and
// media preflight.
package policy

import (
	"context"
	"time"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/model"
)

// CommandStatus reports how command parsing went for a message body.
type CommandStatus string

const (
	CommandOK    CommandStatus = "ok"
	CommandError CommandStatus = "error"
	CommandNone  CommandStatus = "none"
)

// CommandSource records which form of the body yielded the parse.
type CommandSource string

const (
	SourceBody            CommandSource = "body"
	SourceMentionStripped CommandSource = "mention_stripped"
)

// Command is a parsed slash/bang command.
type Command struct {
	Prefix string        `json:"prefix,omitempty"`
	Name   string        `json:"name,omitempty"`
	Args   []string      `json:"args,omitempty"`
	Status CommandStatus `json:"status"`
	Source CommandSource `json:"source,omitempty"`
}

// MsgContext is the per-message context policy hooks operate on. Gaters
// may rewrite Body through a modify decision; moderators see the modified
// context.
type MsgContext struct {
	Room              *model.Room
	Participant       *model.Participant
	Channel           string
	BridgeID          string
	ExternalRoomID    string
	ExternalUserID    string
	ExternalMessageID string
	Body              string
	Media             []adapter.Media
	Mentions          []adapter.Mention
	WasMentioned      bool
	Command           *Command
	Flags             []string
	Timestamp         time.Time
	Raw               map[string]any
}

// Action is a policy hook's verdict.
type Action string

const (
	Allow  Action = "allow"
	Deny   Action = "deny"
	Modify Action = "modify"
	Flag   Action = "flag"
)

// Decision is the outcome of one gater or moderator call.
type Decision struct {
	Action Action
	Reason string // deny reason
	Body   string // replacement body for modify
	Tag    string // flag tag
}

// Allowed is the zero-cost allow decision.
func Allowed() Decision {
	return Decision{Action: Allow}
}

// Denied builds a deny decision.
func Denied(reason string) Decision {
	return Decision{Action: Deny, Reason: reason}
}

// Modified builds a modify decision replacing the body.
func Modified(body string) Decision {
	return Decision{Action: Modify, Body: body}
}

// Flagged builds a flag decision.
func Flagged(tag string) Decision {
	return Decision{Action: Flag, Tag: tag}
}

// Gater screens a message before persistence. The first deny
// short-circuits the pipeline.
type Gater interface {
	Name() string
	Gate(ctx context.Context, mctx *MsgContext) Decision
}

// Moderator runs after gating on the possibly modified context. Same
// decision shape as Gater.
type Moderator interface {
	Name() string
	Moderate(ctx context.Context, mctx *MsgContext) Decision
}

// GaterFunc adapts a function to the Gater interface.
type GaterFunc struct {
	HookName string
	Func     func(ctx context.Context, mctx *MsgContext) Decision
}

func (g GaterFunc) Name() string { return g.HookName }

func (g GaterFunc) Gate(ctx context.Context, mctx *MsgContext) Decision {
	return g.Func(ctx, mctx)
}

// ModeratorFunc adapts a function to the Moderator interface.
type ModeratorFunc struct {
	HookName string
	Func     func(ctx context.Context, mctx *MsgContext) Decision
}

func (m ModeratorFunc) Name() string { return m.HookName }

func (m ModeratorFunc) Moderate(ctx context.Context, mctx *MsgContext) Decision {
	return m.Func(ctx, mctx)
}

// Security sanitizes outbound payloads before they reach an adapter.
type Security interface {
	SanitizeOutbound(ctx context.Context, text string, opts map[string]any) (string, error)
}

// MediaVerdict is the result of outbound media preflight.
type MediaVerdict string

const (
	MediaOK           MediaVerdict = "ok"
	MediaFallbackText MediaVerdict = "fallback_text"
	MediaRejected     MediaVerdict = "error"
)

// PreparedMedia is MediaPolicy's preflight outcome. On MediaOK, Payload is
// the (possibly rewritten) media payload to send. On MediaFallbackText the
// gateway downgrades the operation to a text send of FallbackText.
type PreparedMedia struct {
	Verdict      MediaVerdict
	Payload      map[string]any
	FallbackText string
	Reason       string
	Metadata     map[string]any
}

// MediaPolicy enforces size/type/count limits and channel capability on
// outbound media.
type MediaPolicy interface {
	PrepareOutbound(ctx context.Context, media map[string]any, caps adapter.CapabilitySet, opts map[string]any) PreparedMedia
}
