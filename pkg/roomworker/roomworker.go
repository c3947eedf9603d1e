// Package roomworker runs one worker per active room. The worker holds the
// room's recent message ring and participant set, serializes ingest
// delivery, and drives the application's on_message handler.
package roomworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/policy"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
	"github.com/beeper/bridgekit/pkg/supervise"
)

// Defaults.
const (
	DefaultRingSize  = 200
	DefaultInboxSize = 64
)

// Reply is what an on_message handler returns when it wants to answer.
type Reply struct {
	Text string
	Opts outbound.Options
}

// Handler is the application callback invoked for every ingested message.
// Returning (nil, nil) means no reply.
type Handler func(ctx context.Context, msg *model.Message, mctx *policy.MsgContext) (*Reply, error)

// Config tunes the room workers.
type Config struct {
	RingSize  int `yaml:"ring_size"`
	InboxSize int `yaml:"inbox_size"`
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	return c
}

// Deps wires the registry.
type Deps struct {
	Store      store.Store
	Bus        *signalbus.Bus
	Router     *outbound.Router
	Handler    Handler
	Supervisor *supervise.Supervisor
	Log        zerolog.Logger
	Now        func() time.Time
}

type inboxItem struct {
	msg  *model.Message
	mctx *policy.MsgContext
}

// Worker is one room's state and consumer loop. The loop is supervised;
// on restart it re-hydrates the ring from the store and keeps consuming
// the same inbox.
type Worker struct {
	roomID string
	inbox  chan inboxItem

	mu           sync.Mutex
	ring         []*model.Message
	participants map[string]struct{}
}

// Recent returns a copy of the ring, oldest first.
func (w *Worker) Recent() []*model.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*model.Message(nil), w.ring...)
}

// Participants returns the known participant ids.
func (w *Worker) Participants() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.participants))
	for id := range w.participants {
		out = append(out, id)
	}
	return out
}

// Registry starts, tracks, and feeds room workers.
type Registry struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewRegistry builds a Registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		workers: make(map[string]*Worker),
	}
}

// ActiveRooms returns how many room workers are running.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Worker returns the live worker for a room, if any.
func (r *Registry) Worker(roomID string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker, ok := r.workers[roomID]
	return worker, ok
}

// Deliver enqueues a persisted message into its room worker's inbox,
// starting the worker on first use. Blocks when the inbox is full.
func (r *Registry) Deliver(ctx context.Context, msg *model.Message, mctx *policy.MsgContext) error {
	worker, err := r.ensureWorker(msg.RoomID)
	if err != nil {
		return err
	}
	select {
	case worker.inbox <- inboxItem{msg: msg, mctx: mctx}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) ensureWorker(roomID string) (*Worker, error) {
	r.mu.Lock()
	if worker, ok := r.workers[roomID]; ok {
		r.mu.Unlock()
		return worker, nil
	}
	worker := &Worker{
		roomID:       roomID,
		inbox:        make(chan inboxItem, r.cfg.InboxSize),
		participants: make(map[string]struct{}),
	}
	r.workers[roomID] = worker
	r.mu.Unlock()

	err := r.deps.Supervisor.StartChild(supervise.Spec{
		Name: "room:" + roomID,
		Run: func(ctx context.Context) error {
			return r.run(ctx, worker)
		},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.workers, roomID)
		r.mu.Unlock()
		return nil, fmt.Errorf("start room worker: %w", err)
	}
	return worker, nil
}

// run is the supervised loop for one room.
func (r *Registry) run(ctx context.Context, worker *Worker) error {
	if err := r.hydrate(ctx, worker); err != nil {
		return err
	}
	for {
		select {
		case item := <-worker.inbox:
			if err := r.process(ctx, worker, item); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// hydrate reloads the ring and participant set from the store.
func (r *Registry) hydrate(ctx context.Context, worker *Worker) error {
	msgs, err := r.deps.Store.ListMessages(ctx, worker.roomID, store.MessageFilter{Limit: r.cfg.RingSize})
	if err != nil {
		return fmt.Errorf("hydrate room %s: %w", worker.roomID, err)
	}
	worker.mu.Lock()
	worker.ring = msgs
	worker.participants = make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if msg.SenderID != "" {
			worker.participants[msg.SenderID] = struct{}{}
		}
	}
	worker.mu.Unlock()
	return nil
}

func (r *Registry) process(ctx context.Context, worker *Worker, item inboxItem) error {
	worker.mu.Lock()
	worker.ring = append(worker.ring, item.msg)
	if len(worker.ring) > r.cfg.RingSize {
		worker.ring = worker.ring[len(worker.ring)-r.cfg.RingSize:]
	}
	if item.msg.SenderID != "" {
		worker.participants[item.msg.SenderID] = struct{}{}
	}
	worker.mu.Unlock()

	if r.deps.Bus != nil {
		r.deps.Bus.Publish(signalbus.TopicRoomMessageAdded, map[string]any{
			"room_id":    worker.roomID,
			"message_id": item.msg.ID,
			"sender_id":  item.msg.SenderID,
		})
	}

	if r.deps.Handler == nil {
		return nil
	}
	reply, err := r.deps.Handler(ctx, item.msg, item.mctx)
	if err != nil {
		r.deps.Log.Warn().Err(err).Str("room_id", worker.roomID).Msg("on_message handler failed")
		return nil
	}
	if reply == nil || reply.Text == "" {
		return nil
	}
	return r.sendReply(ctx, worker.roomID, item.msg, reply)
}

// sendReply persists the assistant message and routes it outbound.
func (r *Registry) sendReply(ctx context.Context, roomID string, inReplyTo *model.Message, reply *Reply) error {
	msg := &model.Message{
		RoomID:     roomID,
		SenderID:   "",
		Role:       model.RoleAssistant,
		Content:    []model.ContentBlock{model.TextBlock(reply.Text)},
		Status:     model.StatusSending,
		ReplyToID:  inReplyTo.ID,
		InsertedAt: r.deps.Now(),
	}
	if err := r.deps.Store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	opts := reply.Opts
	opts.MessageID = msg.ID
	if _, err := r.deps.Router.Route(ctx, roomID, reply.Text, opts); err != nil {
		r.deps.Log.Warn().Err(err).Str("room_id", roomID).Msg("reply routing failed")
	}
	return nil
}

// StopRoom stops one room's worker and forgets it.
func (r *Registry) StopRoom(roomID string) {
	r.mu.Lock()
	_, ok := r.workers[roomID]
	if ok {
		delete(r.workers, roomID)
	}
	r.mu.Unlock()
	if ok {
		_ = r.deps.Supervisor.StopChild("room:" + roomID)
	}
}
