// Package deadletter captures terminally failed outbound requests and
// replays them through partitioned, idempotent replay workers.
package deadletter

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
)

// DefaultReplayPartitions is the replay worker count.
const DefaultReplayPartitions = 2

// SubmitFunc resubmits a rebuilt request to the outbound gateway.
type SubmitFunc func(ctx context.Context, req *model.OutboundRequest) *outbound.Result

// ReplayStatus is the outcome of one replay call.
type ReplayStatus string

const (
	ReplayStatusReplayed        ReplayStatus = "replayed"
	ReplayStatusAlreadyReplayed ReplayStatus = "already_replayed"
	ReplayStatusFailed          ReplayStatus = "failed"
)

// ReplayOptions tune one replay.
type ReplayOptions struct {
	// Force replays a record even when it is already marked replayed.
	Force bool
}

// ReplayOutcome reports how a replay went.
type ReplayOutcome struct {
	Status   ReplayStatus
	Response map[string]any
	Err      *outbound.Error
}

// Config tunes the service.
type Config struct {
	ReplayPartitions int    `yaml:"replay_partitions"`
	Instance         string `yaml:"instance"`
}

// Deps wires the service.
type Deps struct {
	Store    store.Store
	Submit   SubmitFunc
	Bus      *signalbus.Bus
	Observer observe.Observer
	Log      zerolog.Logger
	Now      func() time.Time
}

type replayJob struct {
	id       string
	opts     ReplayOptions
	resultCh chan replayResult
}

type replayResult struct {
	outcome *ReplayOutcome
	err     error
}

// Service owns the dead letter table and the replay workers.
type Service struct {
	cfg    Config
	deps   Deps
	queues []chan *replayJob

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Service. Call Start before replaying.
func New(cfg Config, deps Deps) *Service {
	if cfg.ReplayPartitions <= 0 {
		cfg.ReplayPartitions = DefaultReplayPartitions
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = observe.Nop{}
	}
	s := &Service{cfg: cfg, deps: deps}
	for i := 0; i < cfg.ReplayPartitions; i++ {
		s.queues = append(s.queues, make(chan *replayJob, 16))
	}
	return s
}

// Start launches the replay workers.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i, queue := range s.queues {
		s.wg.Add(1)
		go func(idx int, queue chan *replayJob) {
			defer s.wg.Done()
			for job := range queue {
				outcome, err := s.replayOne(ctx, job.id, job.opts)
				job.resultCh <- replayResult{outcome: outcome, err: err}
			}
		}(i, queue)
	}
}

// Stop drains the replay workers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, queue := range s.queues {
		close(queue)
	}
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// Capture persists a dead letter for a terminal outbound failure and
// returns its id. It matches the gateway's CaptureFunc signature.
func (s *Service) Capture(ctx context.Context, req *model.OutboundRequest, oerr *outbound.Error, diags model.DeadLetterDiagnostics) (string, error) {
	record := &model.DeadLetterRecord{
		ID:          "dl_" + xid.New().String(),
		Instance:    s.cfg.Instance,
		Request:     *req.Clone(),
		Error:       oerr.Reason,
		Diagnostics: diags,
		Status:      model.DeadLetterCaptured,
	}
	if err := s.deps.Store.SaveDeadLetter(ctx, record); err != nil {
		return "", fmt.Errorf("save dead letter: %w", err)
	}
	s.deps.Observer.DeadLetterCaptured(req.BridgeID, oerr.Reason)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(signalbus.TopicDeadLetterCaptured, map[string]any{
			"dead_letter_id": record.ID,
			"bridge_id":      req.BridgeID,
			"operation":      string(req.Operation),
			"reason":         oerr.Reason,
		})
	}
	return record.ID, nil
}

// Replay routes the record to its replay partition and blocks for the
// outcome.
func (s *Service) Replay(ctx context.Context, id string, opts ReplayOptions) (*ReplayOutcome, error) {
	job := &replayJob{id: id, opts: opts, resultCh: make(chan replayResult, 1)}
	idx := replayPartition(id, len(s.queues))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("replay service stopped: %w", model.ErrInvalid)
	}
	queue := s.queues[idx]
	s.mu.Unlock()

	select {
	case queue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-job.resultCh:
		return result.outcome, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func replayPartition(id string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(count))
}

func (s *Service) replayOne(ctx context.Context, id string, opts ReplayOptions) (*ReplayOutcome, error) {
	record, err := s.deps.Store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == model.DeadLetterReplayed && !opts.Force {
		s.deps.Observer.DeadLetterReplayed(string(ReplayStatusAlreadyReplayed))
		return &ReplayOutcome{Status: ReplayStatusAlreadyReplayed, Response: record.Response}, nil
	}

	record.Status = model.DeadLetterReplaying
	if err := s.deps.Store.SaveDeadLetter(ctx, record); err != nil {
		return nil, fmt.Errorf("mark replaying: %w", err)
	}

	// Rebuild the original request. The replay flag stops the gateway
	// from re-capturing, and the idempotency key short-circuits if the
	// original send actually succeeded after capture.
	req := record.Request.Clone()
	req.DeadLetterReplay = true
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "dead_letter:" + record.ID
	}

	result := s.deps.Submit(ctx, req)
	if result.OK {
		record.Status = model.DeadLetterReplayed
		record.Response = map[string]any{
			"message_id": result.MessageID,
			"attempts":   result.Attempts,
			"idempotent": result.Idempotent,
		}
		if err := s.deps.Store.SaveDeadLetter(ctx, record); err != nil {
			return nil, fmt.Errorf("mark replayed: %w", err)
		}
		s.deps.Observer.DeadLetterReplayed(string(ReplayStatusReplayed))
		s.deps.Log.Info().Str("dead_letter_id", record.ID).Msg("dead letter replayed")
		return &ReplayOutcome{Status: ReplayStatusReplayed, Response: record.Response}, nil
	}

	record.Status = model.DeadLetterCaptured
	record.ReplayAttempts++
	if err := s.deps.Store.SaveDeadLetter(ctx, record); err != nil {
		return nil, fmt.Errorf("revert to captured: %w", err)
	}
	s.deps.Observer.DeadLetterReplayed(string(ReplayStatusFailed))
	return &ReplayOutcome{Status: ReplayStatusFailed, Err: result.Err}, nil
}

// Archive marks a record archived. Archive is terminal.
func (s *Service) Archive(ctx context.Context, id string) error {
	record, err := s.deps.Store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	record.Status = model.DeadLetterArchived
	return s.deps.Store.SaveDeadLetter(ctx, record)
}

// Purge removes archived (or otherwise matching) records older than the
// retention window. Returns the purged count.
func (s *Service) Purge(ctx context.Context, olderThan time.Time, statuses ...model.DeadLetterStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []model.DeadLetterStatus{model.DeadLetterArchived}
	}
	return s.deps.Store.PurgeDeadLetters(ctx, olderThan, statuses...)
}
