// Package adapter defines the boundary every platform adapter implements.
// Adapters are pure with respect to runtime state: they never touch the
// store or the config store.
package adapter

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Capability names a feature an adapter supports.
type Capability string

const (
	CapText        Capability = "text"
	CapImage       Capability = "image"
	CapAudio       Capability = "audio"
	CapVideo       Capability = "video"
	CapFile        Capability = "file"
	CapReactions   Capability = "reactions"
	CapThreads     Capability = "threads"
	CapStreaming   Capability = "streaming"
	CapMessageEdit Capability = "message_edit"
)

// CapabilitySet is the set of capabilities an adapter declares.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is declared.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// Caps builds a CapabilitySet from a list.
func Caps(caps ...Capability) CapabilitySet {
	out := make(CapabilitySet, len(caps))
	for _, c := range caps {
		out[c] = true
	}
	return out
}

// Mention is one user mention inside a message body.
type Mention struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
}

// Media describes one inbound or outbound attachment.
type Media struct {
	Kind     string `json:"kind,omitempty"` // image, audio, video, file
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Incoming is the normalized form of a platform message payload.
type Incoming struct {
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalUserID    string         `json:"external_user_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Media             []Media        `json:"media,omitempty"`
	Mentions          []Mention      `json:"mentions,omitempty"`
	Username          string         `json:"username,omitempty"`
	DisplayName       string         `json:"display_name,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	ChatType          string         `json:"chat_type,omitempty"` // direct, group, channel, thread
	ReplyToExternalID string         `json:"reply_to_external_id,omitempty"`
	Raw               map[string]any `json:"raw,omitempty"`
}

// EventType classifies a parsed inbound event.
type EventType string

const (
	EventMessage    EventType = "message"
	EventReaction   EventType = "reaction"
	EventMembership EventType = "membership"
	EventUnknown    EventType = "unknown"
)

// EventEnvelope wraps one parsed inbound event. Incoming is set when Type
// is EventMessage.
type EventEnvelope struct {
	Adapter   string         `json:"adapter"`
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Incoming  *Incoming      `json:"incoming,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Raw       []byte         `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RequestMeta carries the transport-level request attributes an adapter
// needs for signature verification and parsing.
type RequestMeta struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// WebhookResponse is what the HTTP layer writes back to the platform.
type WebhookResponse struct {
	Status      int
	Body        []byte
	ContentType string
}

// RouteResult summarizes an inbound routing outcome for response
// formatting. Kind is one of message, duplicate, event, denied, noop,
// error.
type RouteResult struct {
	Kind      string
	Status    int
	Reason    string
	MessageID string
	EventType EventType
	Detail    map[string]any
}

// SendResult is a provider acknowledgement for an outbound operation.
type SendResult struct {
	MessageID string
	Raw       map[string]any
}

// Adapter is the contract between the runtime and a platform family.
//
// ParseEvent returning (nil, nil) means the payload is a recognized no-op
// (the webhook is acknowledged with 200 and nothing else happens).
//
// The four outbound operations may deterministically return an Error with
// ReasonUnsupported when the platform lacks the capability.
type Adapter interface {
	// ChannelType identifies the channel family, e.g. "telegram".
	ChannelType() string
	Capabilities() CapabilitySet

	TransformIncoming(raw map[string]any) (*Incoming, error)
	VerifyWebhook(meta RequestMeta, opts map[string]any) error
	ParseEvent(meta RequestMeta, opts map[string]any) (*EventEnvelope, error)
	FormatWebhookResponse(result RouteResult, opts map[string]any) (WebhookResponse, error)

	SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (*SendResult, error)
	EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (*SendResult, error)
	SendMedia(ctx context.Context, externalRoomID string, media map[string]any, opts map[string]any) (*SendResult, error)
	EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media map[string]any, opts map[string]any) (*SendResult, error)
}

// ListenerSpec describes one long-lived worker (e.g. a poller) the runtime
// should supervise for a bridge. Run blocks until ctx is done or a fatal
// error occurs.
type ListenerSpec struct {
	Name string
	Run  func(ctx context.Context) error
}

// ListenerProvider is implemented by adapters that need supervised
// listener children.
type ListenerProvider interface {
	ListenerChildSpecs() []ListenerSpec
}

// MentionParser is implemented by adapters that can extract mentions from
// a message body beyond what the platform payload already carries.
type MentionParser interface {
	ParseMentions(body string, raw map[string]any) []Mention
}
