// Package ingest implements the inbound pipeline: fingerprint, dedupe,
// resolve, normalize, gate, moderate, persist, signal, deliver.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/dedupe"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/policy"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
)

// OutcomeKind is the pipeline verdict for one inbound message.
type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeDenied    OutcomeKind = "denied"
	OutcomeError     OutcomeKind = "error"
)

// Outcome describes how the pipeline handled one inbound message.
type Outcome struct {
	Kind        OutcomeKind
	Message     *model.Message
	Ctx         *policy.MsgContext
	Fingerprint string
	DenyStage   string
	DenyReason  string
	DenyModule  string
	Err         error
}

// DeliverFunc hands a persisted message to its room worker.
type DeliverFunc func(ctx context.Context, msg *model.Message, mctx *policy.MsgContext) error

// Config tunes the pipeline.
type Config struct {
	MentionTargets  []string      `yaml:"mention_targets"`
	CommandPrefixes []string      `yaml:"command_prefixes"`
	CommandMaxBytes int           `yaml:"command_max_bytes"`
	DedupeTTL       time.Duration `yaml:"dedupe_ttl"`
	DedupeScope     DedupeScope   `yaml:"dedupe_scope"`
	Hooks           policy.RunnerConfig `yaml:"hooks"`
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Store      store.Store
	Deduper    *dedupe.Deduper
	Bus        *signalbus.Bus
	Gaters     []policy.Gater
	Moderators []policy.Moderator
	// MentionParsers maps channel family to an optional parser that
	// extracts mentions the platform payload does not carry.
	MentionParsers map[string]adapter.MentionParser
	Observer       observe.Observer
	Log            zerolog.Logger
	Deliver        DeliverFunc
	Now            func() time.Time
}

// Pipeline is the inbound ingest pipeline. Safe for concurrent use.
type Pipeline struct {
	cfg    Config
	deps   Deps
	runner *policy.Runner
}

// New builds a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = observe.Nop{}
	}
	if cfg.DedupeScope == "" {
		cfg.DedupeScope = ScopeBridge
	}
	return &Pipeline{cfg: cfg, deps: deps, runner: policy.NewRunner(cfg.Hooks)}
}

func (p *Pipeline) observeStage(name, outcome, channel, bridgeID string, started time.Time) {
	p.deps.Observer.IngestStageCompleted(observe.IngestStage{
		Stage:    name,
		Outcome:  outcome,
		Channel:  channel,
		BridgeID: bridgeID,
		Elapsed:  p.deps.Now().Sub(started),
	})
}

// Ingest runs an inbound message through the full pipeline. Denied and
// duplicate messages are reported through the Outcome, not the error.
func (p *Pipeline) Ingest(ctx context.Context, channel, bridgeID string, inc *adapter.Incoming) (*Outcome, error) {
	if inc == nil {
		return nil, model.Invalidf("incoming", "nil payload")
	}
	if inc.ExternalRoomID == "" || inc.ExternalUserID == "" {
		return nil, model.Invalidf("incoming", "external_room_id and external_user_id are required")
	}
	began := p.deps.Now()
	log := p.deps.Log.With().Str("channel", channel).Str("bridge_id", bridgeID).Logger()
	ctx = log.WithContext(ctx)

	finish := func(outcome *Outcome) *Outcome {
		p.deps.Observer.IngestCompleted(string(outcome.Kind), p.deps.Now().Sub(began))
		return outcome
	}

	// Fingerprint + dedupe.
	started := p.deps.Now()
	key := fingerprint(channel, bridgeID, inc, p.cfg.DedupeScope)
	if p.deps.Deduper.CheckAndMark(key, p.cfg.DedupeTTL) == dedupe.Duplicate {
		p.observeStage("dedupe", "duplicate", channel, bridgeID, started)
		log.Debug().Str("fingerprint", key).Msg("duplicate inbound message suppressed")
		return finish(&Outcome{Kind: OutcomeDuplicate, Fingerprint: key}), nil
	}
	p.observeStage("dedupe", "fresh", channel, bridgeID, started)

	// Resolve room.
	started = p.deps.Now()
	room, roomCreated, err := p.deps.Store.GetOrCreateRoomByExternalBinding(ctx, channel, bridgeID, inc.ExternalRoomID, store.RoomAttrs{
		Type: roomTypeFor(inc.ChatType),
	})
	if err != nil {
		p.observeStage("resolve_room", "error", channel, bridgeID, started)
		return finish(&Outcome{Kind: OutcomeError, Err: err}), fmt.Errorf("resolve room: %w", err)
	}
	p.observeStage("resolve_room", resolveOutcome(roomCreated), channel, bridgeID, started)

	// Resolve participant.
	started = p.deps.Now()
	participant, _, err := p.deps.Store.GetOrCreateParticipantByExternalID(ctx, channel, inc.ExternalUserID, store.ParticipantAttrs{
		Type:        model.ParticipantHuman,
		Username:    inc.Username,
		DisplayName: inc.DisplayName,
	})
	if err != nil {
		p.observeStage("resolve_participant", "error", channel, bridgeID, started)
		return finish(&Outcome{Kind: OutcomeError, Err: err}), fmt.Errorf("resolve participant: %w", err)
	}
	p.observeStage("resolve_participant", "ok", channel, bridgeID, started)

	// Build context + normalize mentions and command.
	started = p.deps.Now()
	mentions := inc.Mentions
	if parser := p.deps.MentionParsers[channel]; parser != nil {
		mentions = mergeMentions(mentions, parser.ParseMentions(inc.Text, inc.Raw))
	}
	timestamp := inc.Timestamp
	if timestamp.IsZero() {
		timestamp = p.deps.Now()
	}
	mctx := &policy.MsgContext{
		Room:              room,
		Participant:       participant,
		Channel:           channel,
		BridgeID:          bridgeID,
		ExternalRoomID:    inc.ExternalRoomID,
		ExternalUserID:    inc.ExternalUserID,
		ExternalMessageID: inc.ExternalMessageID,
		Body:              inc.Text,
		Media:             inc.Media,
		Mentions:          mentions,
		WasMentioned:      wasMentioned(inc.Text, mentions, p.cfg.MentionTargets),
		Timestamp:         timestamp,
		Raw:               inc.Raw,
	}
	cmd := parseCommand(inc.Text, p.cfg.CommandPrefixes, p.cfg.CommandMaxBytes)
	mctx.Command = &cmd
	p.observeStage("normalize", "ok", channel, bridgeID, started)

	// Gate.
	started = p.deps.Now()
	if result := p.runner.RunGaters(ctx, p.deps.Gaters, mctx); result.Denied {
		p.observeStage("gate", "denied", channel, bridgeID, started)
		log.Info().Str("reason", result.DenyReason).Str("module", result.DenyModule).Msg("inbound message denied at gate")
		return finish(&Outcome{
			Kind: OutcomeDenied, Ctx: mctx, Fingerprint: key,
			DenyStage: "gate", DenyReason: result.DenyReason, DenyModule: result.DenyModule,
		}), nil
	}
	p.observeStage("gate", "allowed", channel, bridgeID, started)

	// Moderate.
	started = p.deps.Now()
	if result := p.runner.RunModerators(ctx, p.deps.Moderators, mctx); result.Denied {
		p.observeStage("moderate", "denied", channel, bridgeID, started)
		log.Info().Str("reason", result.DenyReason).Str("module", result.DenyModule).Msg("inbound message denied at moderation")
		return finish(&Outcome{
			Kind: OutcomeDenied, Ctx: mctx, Fingerprint: key,
			DenyStage: "moderate", DenyReason: result.DenyReason, DenyModule: result.DenyModule,
		}), nil
	}
	p.observeStage("moderate", "allowed", channel, bridgeID, started)

	// Persist.
	started = p.deps.Now()
	msg := p.buildMessage(ctx, mctx, inc.ReplyToExternalID)
	if err := p.deps.Store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// The external id landed concurrently through another path;
			// treat it like a dedupe hit.
			p.observeStage("persist", "duplicate", channel, bridgeID, started)
			return finish(&Outcome{Kind: OutcomeDuplicate, Ctx: mctx, Fingerprint: key}), nil
		}
		p.observeStage("persist", "error", channel, bridgeID, started)
		return finish(&Outcome{Kind: OutcomeError, Ctx: mctx, Err: err}), fmt.Errorf("persist message: %w", err)
	}
	p.observeStage("persist", "ok", channel, bridgeID, started)

	// Signal.
	p.deps.Bus.Publish(signalbus.TopicMessageReceived, map[string]any{
		"room_id":    room.ID,
		"message_id": msg.ID,
		"sender_id":  participant.ID,
		"channel":    channel,
		"bridge_id":  bridgeID,
	})

	// Deliver to the room worker. The message is already persisted;
	// delivery failure is logged but does not fail the ingest.
	if p.deps.Deliver != nil {
		if err := p.deps.Deliver(ctx, msg, mctx); err != nil {
			log.Warn().Err(err).Str("room_id", room.ID).Msg("room delivery failed")
		}
	}

	return finish(&Outcome{Kind: OutcomeOK, Message: msg, Ctx: mctx, Fingerprint: key}), nil
}

func (p *Pipeline) buildMessage(ctx context.Context, mctx *policy.MsgContext, replyToExternal string) *model.Message {
	blocks := make([]model.ContentBlock, 0, 1+len(mctx.Media))
	if mctx.Body != "" {
		blocks = append(blocks, model.TextBlock(mctx.Body))
	}
	for _, media := range mctx.Media {
		blocks = append(blocks, model.MediaBlock(model.BlockType(media.Kind), media.URL, media.MimeType, media.Filename, media.Size))
	}
	msg := &model.Message{
		RoomID:     mctx.Room.ID,
		SenderID:   mctx.Participant.ID,
		Role:       model.RoleUser,
		Content:    blocks,
		Status:     model.StatusSent,
		Channel:    mctx.Channel,
		BridgeID:   mctx.BridgeID,
		ExternalID: mctx.ExternalMessageID,
		InsertedAt: mctx.Timestamp,
	}
	if len(mctx.Flags) > 0 {
		msg.Metadata = map[string]any{"flags": append([]string(nil), mctx.Flags...)}
	}
	if replyToExternal != "" {
		if parent, err := p.deps.Store.GetMessageByExternalID(ctx, mctx.Channel, mctx.BridgeID, replyToExternal); err == nil {
			msg.ReplyToID = parent.ID
		}
	}
	return msg
}

func resolveOutcome(created bool) string {
	if created {
		return "created"
	}
	return "found"
}

func roomTypeFor(chatType string) model.RoomType {
	switch chatType {
	case "direct", "dm", "private":
		return model.RoomTypeDirect
	case "channel", "broadcast":
		return model.RoomTypeChannel
	case "thread":
		return model.RoomTypeThread
	default:
		return model.RoomTypeGroup
	}
}
