// Package inbound routes raw webhook payloads through the adapter's
// verify/parse surface into the ingest pipeline, and maps outcomes onto
// HTTP responses.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/bridgeworker"
	"github.com/beeper/bridgekit/pkg/configstore"
	"github.com/beeper/bridgekit/pkg/ingest"
	"github.com/beeper/bridgekit/pkg/model"
)

// Result kinds.
const (
	KindMessage   = "message"
	KindDuplicate = "duplicate"
	KindDenied    = "denied"
	KindEvent     = "event"
	KindNoop      = "noop"
	KindError     = "error"
)

// Result is the structured outcome of one inbound routing call.
type Result struct {
	Kind     string
	Status   int
	Reason   string
	Outcome  *ingest.Outcome
	Envelope *adapter.EventEnvelope
}

// Deps wires the router.
type Deps struct {
	Configs *configstore.ConfigStore
	Bridges *bridgeworker.Registry
	Ingest  *ingest.Pipeline
	Log     zerolog.Logger
}

// Router accepts raw platform payloads addressed to a bridge id.
type Router struct {
	deps Deps
}

// NewRouter builds a Router.
func NewRouter(deps Deps) *Router {
	return &Router{deps: deps}
}

// RouteWebhook verifies, parses, and (for message events) ingests one
// webhook delivery, returning the adapter-formatted HTTP response plus
// the structured result.
func (r *Router) RouteWebhook(ctx context.Context, bridgeID string, meta adapter.RequestMeta) (adapter.WebhookResponse, *Result) {
	cfg, err := r.deps.Configs.GetBridgeConfig(bridgeID)
	if err != nil {
		result := &Result{Kind: KindError, Status: http.StatusNotFound, Reason: "bridge_not_found"}
		return fallbackResponse(result), result
	}
	if !cfg.Enabled {
		result := &Result{Kind: KindError, Status: http.StatusServiceUnavailable, Reason: "bridge_disabled"}
		return fallbackResponse(result), result
	}
	ad, err := r.deps.Bridges.Adapter(bridgeID)
	if err != nil {
		result := &Result{Kind: KindError, Status: http.StatusNotFound, Reason: "bridge_not_found"}
		if errors.Is(err, model.ErrBridgeDisabled) {
			result.Status = http.StatusServiceUnavailable
			result.Reason = "bridge_disabled"
		}
		return fallbackResponse(result), result
	}

	if err := ad.VerifyWebhook(meta, cfg.Opts); err != nil {
		r.deps.Log.Warn().Str("bridge_id", bridgeID).Msg("webhook signature verification failed")
		result := &Result{Kind: KindError, Status: http.StatusUnauthorized, Reason: "invalid_signature"}
		return r.format(ad, cfg, result), result
	}

	envelope, err := ad.ParseEvent(meta, cfg.Opts)
	if err != nil {
		result := &Result{Kind: KindError, Status: http.StatusBadRequest, Reason: "invalid_event"}
		return r.format(ad, cfg, result), result
	}
	if envelope == nil {
		result := &Result{Kind: KindNoop, Status: http.StatusOK}
		return r.format(ad, cfg, result), result
	}
	r.deps.Bridges.MarkIngress(bridgeID)

	if envelope.Type != adapter.EventMessage {
		result := &Result{Kind: KindEvent, Status: http.StatusOK, Envelope: envelope}
		return r.format(ad, cfg, result), result
	}

	result := r.ingestEnvelope(ctx, ad.ChannelType(), bridgeID, envelope)
	return r.format(ad, cfg, result), result
}

// RoutePayload ingests an already-delivered platform payload, skipping
// webhook verification and event parsing.
func (r *Router) RoutePayload(ctx context.Context, bridgeID string, payload map[string]any) (*Result, error) {
	cfg, err := r.deps.Configs.GetBridgeConfig(bridgeID)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeNotFound)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrBridgeDisabled)
	}
	ad, err := r.deps.Bridges.Adapter(bridgeID)
	if err != nil {
		return nil, err
	}
	inc, err := ad.TransformIncoming(payload)
	if err != nil {
		return nil, fmt.Errorf("transform incoming: %w", err)
	}
	r.deps.Bridges.MarkIngress(bridgeID)
	envelope := &adapter.EventEnvelope{
		Adapter:  ad.ChannelType(),
		Type:     adapter.EventMessage,
		Incoming: inc,
	}
	return r.ingestEnvelope(ctx, ad.ChannelType(), bridgeID, envelope), nil
}

func (r *Router) ingestEnvelope(ctx context.Context, channel, bridgeID string, envelope *adapter.EventEnvelope) *Result {
	outcome, err := r.deps.Ingest.Ingest(ctx, channel, bridgeID, envelope.Incoming)
	if err != nil {
		return &Result{
			Kind: KindError, Status: http.StatusInternalServerError,
			Reason: "ingest_failed", Outcome: outcome, Envelope: envelope,
		}
	}
	switch outcome.Kind {
	case ingest.OutcomeDuplicate:
		return &Result{Kind: KindDuplicate, Status: http.StatusOK, Outcome: outcome, Envelope: envelope}
	case ingest.OutcomeDenied:
		return &Result{
			Kind: KindDenied, Status: http.StatusOK,
			Reason: outcome.DenyReason, Outcome: outcome, Envelope: envelope,
		}
	default:
		result := &Result{Kind: KindMessage, Status: http.StatusOK, Outcome: outcome, Envelope: envelope}
		return result
	}
}

// format asks the adapter to shape the HTTP response, falling back to a
// safe JSON envelope that preserves the canonical status.
func (r *Router) format(ad adapter.Adapter, cfg *model.BridgeConfig, result *Result) adapter.WebhookResponse {
	routeResult := adapter.RouteResult{
		Kind:   result.Kind,
		Status: result.Status,
		Reason: result.Reason,
	}
	if result.Outcome != nil && result.Outcome.Message != nil {
		routeResult.MessageID = result.Outcome.Message.ID
	}
	if result.Envelope != nil {
		routeResult.EventType = result.Envelope.Type
	}
	response, err := ad.FormatWebhookResponse(routeResult, cfg.Opts)
	if err != nil {
		r.deps.Log.Warn().Err(err).Msg("webhook response formatter failed")
		return fallbackResponse(result)
	}
	if response.Status == 0 {
		response.Status = result.Status
	}
	return response
}

func fallbackResponse(result *Result) adapter.WebhookResponse {
	body, _ := json.Marshal(map[string]any{
		"ok":     result.Status < 400,
		"kind":   result.Kind,
		"reason": result.Reason,
	})
	return adapter.WebhookResponse{
		Status:      result.Status,
		Body:        body,
		ContentType: "application/json",
	}
}
