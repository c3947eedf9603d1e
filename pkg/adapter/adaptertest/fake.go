// Package adaptertest provides the scriptable FakeAdapter used across the
// runtime test suite.
package adaptertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/beeper/bridgekit/pkg/adapter"
)

// SendOutcome scripts one adapter call: either Err or a success carrying
// MessageID.
type SendOutcome struct {
	Err       error
	MessageID string
}

// Call records one outbound adapter invocation.
type Call struct {
	Op                string
	ExternalRoomID    string
	ExternalMessageID string
	Text              string
	Media             map[string]any
	Opts              map[string]any
}

// FakeAdapter is a deterministic in-memory adapter. Outbound calls consume
// scripted outcomes in order; once the script is exhausted every call
// succeeds with a generated message id. All methods are safe for
// concurrent use.
type FakeAdapter struct {
	Channel      string
	Caps         adapter.CapabilitySet
	VerifySecret string
	Listeners    []adapter.ListenerSpec

	mu      sync.Mutex
	script  []SendOutcome
	calls   []Call
	nextID  int
	perOp   map[string][]SendOutcome
	parseMu sync.Mutex
}

var _ adapter.Adapter = (*FakeAdapter)(nil)

// New builds a FakeAdapter for the "fake" channel family with text, image,
// file, message-edit and thread capabilities; audio and video are not
// supported.
func New() *FakeAdapter {
	return &FakeAdapter{
		Channel: "fake",
		Caps: adapter.Caps(
			adapter.CapText, adapter.CapImage, adapter.CapFile,
			adapter.CapMessageEdit, adapter.CapThreads,
		),
		perOp: make(map[string][]SendOutcome),
	}
}

// Script appends outcomes consumed by the next outbound calls, regardless
// of operation.
func (f *FakeAdapter) Script(outcomes ...SendOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// ScriptOp appends outcomes consumed only by calls of the given operation
// (send, edit, send_media, edit_media).
func (f *FakeAdapter) ScriptOp(op string, outcomes ...SendOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perOp[op] = append(f.perOp[op], outcomes...)
}

// Calls returns a copy of the recorded outbound calls.
func (f *FakeAdapter) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many outbound calls of the given operation were
// made; "" counts everything.
func (f *FakeAdapter) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op == "" {
		return len(f.calls)
	}
	n := 0
	for _, call := range f.calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeAdapter) ChannelType() string {
	if f.Channel == "" {
		return "fake"
	}
	return f.Channel
}

func (f *FakeAdapter) Capabilities() adapter.CapabilitySet {
	return f.Caps
}

func (f *FakeAdapter) ListenerChildSpecs() []adapter.ListenerSpec {
	return f.Listeners
}

func (f *FakeAdapter) TransformIncoming(raw map[string]any) (*adapter.Incoming, error) {
	inc := &adapter.Incoming{Raw: raw}
	inc.ExternalRoomID, _ = raw["room"].(string)
	inc.ExternalUserID, _ = raw["user"].(string)
	inc.ExternalMessageID, _ = raw["id"].(string)
	inc.Text, _ = raw["text"].(string)
	inc.Username, _ = raw["username"].(string)
	inc.DisplayName, _ = raw["display_name"].(string)
	inc.ChatType, _ = raw["chat_type"].(string)
	if ts, ok := raw["timestamp"].(float64); ok {
		inc.Timestamp = time.UnixMilli(int64(ts))
	}
	if inc.ExternalRoomID == "" || inc.ExternalUserID == "" {
		return nil, adapter.NewError(adapter.ReasonInvalidPayload, "room and user are required")
	}
	if media, ok := raw["media"].([]any); ok {
		for _, m := range media {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			item := adapter.Media{}
			item.Kind, _ = entry["kind"].(string)
			item.URL, _ = entry["url"].(string)
			item.MimeType, _ = entry["mime_type"].(string)
			item.Filename, _ = entry["filename"].(string)
			if size, ok := entry["size"].(float64); ok {
				item.Size = int64(size)
			}
			inc.Media = append(inc.Media, item)
		}
	}
	return inc, nil
}

func (f *FakeAdapter) VerifyWebhook(meta adapter.RequestMeta, opts map[string]any) error {
	secret := f.VerifySecret
	if s, ok := opts["webhook_secret"].(string); ok && s != "" {
		secret = s
	}
	if secret == "" {
		return nil
	}
	if meta.Headers.Get("X-Fake-Signature") != secret {
		return adapter.ErrInvalidSignature
	}
	return nil
}

func (f *FakeAdapter) ParseEvent(meta adapter.RequestMeta, opts map[string]any) (*adapter.EventEnvelope, error) {
	f.parseMu.Lock()
	defer f.parseMu.Unlock()
	var payload map[string]any
	if err := json.Unmarshal(meta.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidEvent, err)
	}
	kind, _ := payload["kind"].(string)
	switch kind {
	case "ping":
		return nil, nil
	case "message":
		inc, err := f.TransformIncoming(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidEvent, err)
		}
		return &adapter.EventEnvelope{
			Adapter:   f.ChannelType(),
			Type:      adapter.EventMessage,
			ChannelID: inc.ExternalRoomID,
			MessageID: inc.ExternalMessageID,
			Incoming:  inc,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	case "reaction", "membership":
		channelID, _ := payload["room"].(string)
		return &adapter.EventEnvelope{
			Adapter:   f.ChannelType(),
			Type:      adapter.EventType(kind),
			ChannelID: channelID,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", adapter.ErrInvalidEvent, kind)
	}
}

func (f *FakeAdapter) FormatWebhookResponse(result adapter.RouteResult, opts map[string]any) (adapter.WebhookResponse, error) {
	body, err := json.Marshal(map[string]any{
		"ok":     result.Status < 400,
		"kind":   result.Kind,
		"reason": result.Reason,
	})
	if err != nil {
		return adapter.WebhookResponse{}, err
	}
	return adapter.WebhookResponse{Status: result.Status, Body: body, ContentType: "application/json"}, nil
}

func (f *FakeAdapter) nextOutcome(op string) SendOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue := f.perOp[op]; len(queue) > 0 {
		outcome := queue[0]
		f.perOp[op] = queue[1:]
		return outcome
	}
	if len(f.script) > 0 {
		outcome := f.script[0]
		f.script = f.script[1:]
		return outcome
	}
	f.nextID++
	return SendOutcome{MessageID: fmt.Sprintf("ext_%d", f.nextID)}
}

func (f *FakeAdapter) record(call Call) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *FakeAdapter) perform(op string, call Call) (*adapter.SendResult, error) {
	f.record(call)
	outcome := f.nextOutcome(op)
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	id := outcome.MessageID
	if id == "" {
		f.mu.Lock()
		f.nextID++
		id = fmt.Sprintf("ext_%d", f.nextID)
		f.mu.Unlock()
	}
	return &adapter.SendResult{MessageID: id, Raw: map[string]any{"op": op}}, nil
}

func (f *FakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (*adapter.SendResult, error) {
	return f.perform("send", Call{Op: "send", ExternalRoomID: externalRoomID, Text: text, Opts: opts})
}

func (f *FakeAdapter) EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (*adapter.SendResult, error) {
	return f.perform("edit", Call{Op: "edit", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Text: text, Opts: opts})
}

func (f *FakeAdapter) SendMedia(ctx context.Context, externalRoomID string, media map[string]any, opts map[string]any) (*adapter.SendResult, error) {
	return f.perform("send_media", Call{Op: "send_media", ExternalRoomID: externalRoomID, Media: media, Opts: opts})
}

func (f *FakeAdapter) EditMedia(ctx context.Context, externalRoomID, externalMessageID string, media map[string]any, opts map[string]any) (*adapter.SendResult, error) {
	return f.perform("edit_media", Call{Op: "edit_media", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Media: media, Opts: opts})
}
