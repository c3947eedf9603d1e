package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/policy"
	"github.com/beeper/bridgekit/pkg/signalbus"
)

type job struct {
	req      *model.OutboundRequest
	resultCh chan *Result
}

// terminalError is a gateway-internal failure that is terminal by
// construction (sanitize, media preflight, missing adapter).
type terminalError struct {
	reason string
}

func (e *terminalError) Error() string {
	return e.reason
}

// partition is one strict-FIFO worker with its own bounded queue and
// idempotency cache. The cache is touched only by the worker goroutine.
type partition struct {
	idx   int
	gw    *Gateway
	queue chan *job
	cache *idemCache

	levelMu   sync.Mutex
	lastLevel Level
}

func newPartition(idx int, gw *Gateway) *partition {
	return &partition{
		idx:       idx,
		gw:        gw,
		queue:     make(chan *job, gw.cfg.QueueSize),
		cache:     newIdemCache(gw.cfg.IdempotencyCacheSize),
		lastLevel: LevelNormal,
	}
}

// noteLevel records a pressure transition and emits the signal once per
// level change.
func (p *partition) noteLevel(level Level, occupancy float64) {
	p.levelMu.Lock()
	previous := p.lastLevel
	if previous == level {
		p.levelMu.Unlock()
		return
	}
	p.lastLevel = level
	p.levelMu.Unlock()

	p.gw.deps.Observer.PressureTransition(p.idx, string(previous), string(level), occupancy)
	if p.gw.deps.Bus != nil {
		p.gw.deps.Bus.Publish(signalbus.TopicPressureTransition, map[string]any{
			"partition": p.idx,
			"from":      string(previous),
			"to":        string(level),
			"occupancy": occupancy,
		})
	}
}

// run drains the queue until it is closed. Jobs dequeued after ctx is
// cancelled fail terminally without adapter calls.
func (p *partition) run(ctx context.Context) {
	for item := range p.queue {
		select {
		case <-ctx.Done():
			p.finishTerminal(ctx, item, 0, CategoryTerminal, "shutdown", false)
		default:
			p.process(ctx, item)
		}
		p.gw.deps.Observer.QueueDepth(p.idx, len(p.queue), p.gw.cfg.QueueSize)
	}
}

func (p *partition) process(ctx context.Context, item *job) {
	g := p.gw
	req := item.req
	began := g.deps.Now()

	if req.IdempotencyKey != "" {
		if cached, ok := p.cache.get(req.IdempotencyKey); ok {
			cached.Idempotent = true
			cached.Partition = p.idx
			g.deps.Observer.OutboundCompleted(observe.OutboundResult{
				Operation: string(req.Operation), BridgeID: req.BridgeID,
				Partition: p.idx, OK: true, Idempotent: true,
				Elapsed: g.deps.Now().Sub(began),
			})
			item.resultCh <- &cached
			return
		}
	}

	for attempt := 1; ; attempt++ {
		sendResult, fallbackMode, err := p.performOp(ctx, req)
		if err == nil {
			result := Result{
				OK:        true,
				MessageID: sendResult.MessageID,
				Attempts:  attempt,
				Partition: p.idx,
				Raw:       sendResult.Raw,
			}
			if fallbackMode != "" {
				result.Fallback = true
				result.FallbackMode = fallbackMode
			}
			p.cache.put(req.IdempotencyKey, result)
			g.deps.Observer.OutboundCompleted(observe.OutboundResult{
				Operation: string(req.Operation), BridgeID: req.BridgeID,
				Partition: p.idx, Attempts: attempt, OK: true,
				Elapsed: g.deps.Now().Sub(began),
			})
			item.resultCh <- &result
			return
		}

		category, reason := classifyJob(err)
		if category == CategoryRetryable && attempt < g.cfg.MaxAttempts {
			delay := backoffDelay(g.cfg.BaseBackoff, g.cfg.MaxBackoff, attempt)
			g.deps.Observer.RetryScheduled(p.idx, attempt, delay)
			if g.deps.Bus != nil {
				g.deps.Bus.Publish(signalbus.TopicOutboundRetryScheduled, map[string]any{
					"partition":   p.idx,
					"bridge_id":   req.BridgeID,
					"attempt":     attempt,
					"delay_ms":    delay.Milliseconds(),
					"reason":      reason,
					"routing_key": req.RoutingKey,
				})
			}
			if sleepErr := g.deps.Sleep(ctx, delay); sleepErr != nil {
				p.finishTerminal(ctx, item, attempt, category, "shutdown", true)
				return
			}
			continue
		}
		p.finishTerminal(ctx, item, attempt, category, reason, category == CategoryRetryable)
		return
	}
}

// classifyJob extends the adapter classifier with gateway-internal
// terminal reasons.
func classifyJob(err error) (Category, string) {
	if te, ok := err.(*terminalError); ok {
		return CategoryTerminal, te.reason
	}
	return classify(err)
}

// finishTerminal captures the dead letter (unless the request is itself a
// replay) and delivers the error result.
func (p *partition) finishTerminal(ctx context.Context, item *job, attempt int, category Category, reason string, retryable bool) {
	g := p.gw
	req := item.req
	oerr := &Error{
		Category:    category,
		Disposition: "terminal",
		Operation:   req.Operation,
		Reason:      reason,
		Attempt:     attempt,
		MaxAttempts: g.cfg.MaxAttempts,
		Partition:   p.idx,
		RoutingKey:  req.RoutingKey,
		Retryable:   retryable,
	}
	if !req.DeadLetterReplay && g.deps.Capture != nil {
		occupancy := float64(len(p.queue)) / float64(g.cfg.QueueSize)
		diags := model.DeadLetterDiagnostics{
			Partition:     p.idx,
			QueueSize:     len(p.queue),
			QueueCapacity: g.cfg.QueueSize,
			PressureLevel: string(g.cfg.levelFor(occupancy)),
			Occupancy:     occupancy,
			Attempts:      attempt,
		}
		if id, err := g.deps.Capture(ctx, req, oerr, diags); err == nil {
			oerr.DeadLetterID = id
		} else {
			g.deps.Log.Error().Err(err).Str("bridge_id", req.BridgeID).Msg("dead letter capture failed")
		}
	}
	g.deps.Observer.OutboundCompleted(observe.OutboundResult{
		Operation: string(req.Operation), BridgeID: req.BridgeID,
		Partition: p.idx, Attempts: attempt,
		Category: string(category), Reason: reason,
	})
	item.resultCh <- &Result{Partition: p.idx, Attempts: attempt, Err: oerr}
}

// performOp executes one adapter call for the request, including sanitize
// and media preflight. The returned fallback mode is non-empty when media
// preflight downgraded the operation to a text send. A panicking adapter
// is converted to a terminal exception so the partition worker survives.
func (p *partition) performOp(ctx context.Context, req *model.OutboundRequest) (result *adapter.SendResult, fallback string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.gw.deps.Log.Error().Interface("panic", r).Str("bridge_id", req.BridgeID).Msg("adapter panicked")
			result, err = nil, &terminalError{reason: "exception"}
		}
	}()
	return p.performOpInner(ctx, req)
}

func (p *partition) performOpInner(ctx context.Context, req *model.OutboundRequest) (*adapter.SendResult, string, error) {
	g := p.gw
	ad, err := g.deps.Adapters.Adapter(req.BridgeID)
	if err != nil {
		reason := "bridge_not_found"
		if errors.Is(err, model.ErrBridgeDisabled) {
			reason = "bridge_disabled"
		}
		return nil, "", &terminalError{reason: reason}
	}

	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	if limiter := g.limits.limiter(req.BridgeID); limiter != nil {
		if err := limiter.Wait(opCtx); err != nil {
			return nil, "", err
		}
	}

	var call func() (*adapter.SendResult, error)
	fallbackMode := ""

	switch req.Operation {
	case model.OpSend:
		text, err := g.deps.Security.SanitizeOutbound(opCtx, req.Text, req.Opts)
		if err != nil {
			return nil, "", &terminalError{reason: "sanitize_failed"}
		}
		call = func() (*adapter.SendResult, error) {
			return ad.SendMessage(opCtx, req.ExternalRoomID, text, req.Opts)
		}
	case model.OpEdit:
		text, err := g.deps.Security.SanitizeOutbound(opCtx, req.Text, req.Opts)
		if err != nil {
			return nil, "", &terminalError{reason: "sanitize_failed"}
		}
		call = func() (*adapter.SendResult, error) {
			return ad.EditMessage(opCtx, req.ExternalRoomID, req.ExternalMessageID, text, req.Opts)
		}
	case model.OpSendMedia, model.OpEditMedia:
		prepared := g.deps.Media.PrepareOutbound(opCtx, req.Media, ad.Capabilities(), req.Opts)
		switch prepared.Verdict {
		case policy.MediaOK:
			payload := prepared.Payload
			if req.Operation == model.OpSendMedia {
				call = func() (*adapter.SendResult, error) {
					return ad.SendMedia(opCtx, req.ExternalRoomID, payload, req.Opts)
				}
			} else {
				call = func() (*adapter.SendResult, error) {
					return ad.EditMedia(opCtx, req.ExternalRoomID, req.ExternalMessageID, payload, req.Opts)
				}
			}
		case policy.MediaFallbackText:
			text, err := g.deps.Security.SanitizeOutbound(opCtx, prepared.FallbackText, req.Opts)
			if err != nil {
				return nil, "", &terminalError{reason: "sanitize_failed"}
			}
			fallbackMode = "text_send"
			if req.Operation == model.OpSendMedia {
				call = func() (*adapter.SendResult, error) {
					return ad.SendMessage(opCtx, req.ExternalRoomID, text, req.Opts)
				}
			} else {
				if req.ExternalMessageID == "" {
					return nil, "", &terminalError{reason: "missing_external_message_id"}
				}
				fallbackMode = "text_edit"
				call = func() (*adapter.SendResult, error) {
					return ad.EditMessage(opCtx, req.ExternalRoomID, req.ExternalMessageID, text, req.Opts)
				}
			}
		default:
			return nil, "", &terminalError{reason: "media_rejected:" + prepared.Reason}
		}
	default:
		return nil, "", &terminalError{reason: "unsupported_operation"}
	}

	if breaker := g.limits.breaker(req.BridgeID); breaker != nil {
		value, err := breaker.Execute(func() (any, error) {
			return call()
		})
		if err != nil {
			return nil, fallbackMode, err
		}
		return value.(*adapter.SendResult), fallbackMode, nil
	}
	result, err := call()
	return result, fallbackMode, err
}

// backoffDelay is min(max, base × 2^(attempt−1)).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
