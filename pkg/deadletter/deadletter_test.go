package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/signalbus"
	"github.com/beeper/bridgekit/pkg/store"
)

type scriptedSubmit struct {
	results []*outbound.Result
	calls   []*model.OutboundRequest
}

func (s *scriptedSubmit) submit(ctx context.Context, req *model.OutboundRequest) *outbound.Result {
	s.calls = append(s.calls, req)
	if len(s.results) == 0 {
		return &outbound.Result{OK: true, MessageID: "Y", Attempts: 1}
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result
}

func newService(t *testing.T, submit SubmitFunc) (*Service, store.Store, *signalbus.Bus) {
	t.Helper()
	st := store.NewMemStore()
	bus := signalbus.New()
	s := New(Config{Instance: "test"}, Deps{
		Store:  st,
		Submit: submit,
		Bus:    bus,
		Log:    zerolog.Nop(),
	})
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, st, bus
}

func capturedRecord(t *testing.T, s *Service) string {
	t.Helper()
	req := &model.OutboundRequest{
		Operation:      model.OpSend,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Text:           "hello",
		RoutingKey:     "bridge_tg:chat_42",
	}
	id, err := s.Capture(context.Background(), req, &outbound.Error{
		Category: outbound.CategoryRetryable, Disposition: "terminal",
		Operation: model.OpSend, Reason: "network_timeout",
	}, model.DeadLetterDiagnostics{Partition: 0, QueueSize: 1})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	return id
}

func TestCaptureEmitsSignalAndPersists(t *testing.T) {
	s, st, bus := newService(t, (&scriptedSubmit{}).submit)
	sub := bus.Subscribe(signalbus.TopicDeadLetterCaptured)
	defer sub.Close()

	id := capturedRecord(t, s)

	record, err := st.GetDeadLetter(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != model.DeadLetterCaptured || record.Request.Text != "hello" {
		t.Fatalf("record = %+v", record)
	}
	select {
	case event := <-sub.C:
		if event.Payload["dead_letter_id"] != id {
			t.Fatalf("signal payload = %v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no dead_letter.captured signal")
	}
}

func TestReplaySuccess(t *testing.T) {
	submit := &scriptedSubmit{}
	s, st, _ := newService(t, submit.submit)
	id := capturedRecord(t, s)

	outcome, err := s.Replay(context.Background(), id, ReplayOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome.Status != ReplayStatusReplayed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.Response["message_id"] != "Y" {
		t.Fatalf("response = %v", outcome.Response)
	}

	req := submit.calls[0]
	if !req.DeadLetterReplay {
		t.Fatalf("replay flag not set")
	}
	if req.IdempotencyKey != "dead_letter:"+id {
		t.Fatalf("idempotency key = %q", req.IdempotencyKey)
	}
	// The original record's request is untouched.
	record, _ := st.GetDeadLetter(context.Background(), id)
	if record.Request.DeadLetterReplay {
		t.Fatalf("replay mutated the stored request")
	}
	if record.Status != model.DeadLetterReplayed {
		t.Fatalf("record status = %s", record.Status)
	}

	// Second replay short-circuits.
	again, err := s.Replay(context.Background(), id, ReplayOptions{})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if again.Status != ReplayStatusAlreadyReplayed {
		t.Fatalf("second status = %s", again.Status)
	}
	if len(submit.calls) != 1 {
		t.Fatalf("already-replayed record resubmitted")
	}
}

func TestReplayFailureRevertsToCaptured(t *testing.T) {
	submit := &scriptedSubmit{results: []*outbound.Result{
		{Err: &outbound.Error{Category: outbound.CategoryRetryable, Disposition: "terminal", Reason: "network_timeout"}},
	}}
	s, st, _ := newService(t, submit.submit)
	id := capturedRecord(t, s)

	outcome, err := s.Replay(context.Background(), id, ReplayOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome.Status != ReplayStatusFailed || outcome.Err == nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	record, _ := st.GetDeadLetter(context.Background(), id)
	if record.Status != model.DeadLetterCaptured {
		t.Fatalf("status = %s", record.Status)
	}
	if record.ReplayAttempts != 1 {
		t.Fatalf("replay attempts = %d", record.ReplayAttempts)
	}
}

func TestReplayMissingRecord(t *testing.T) {
	s, _, _ := newService(t, (&scriptedSubmit{}).submit)
	if _, err := s.Replay(context.Background(), "dl_missing", ReplayOptions{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestArchiveAndPurge(t *testing.T) {
	s, st, _ := newService(t, (&scriptedSubmit{}).submit)
	id := capturedRecord(t, s)

	if err := s.Archive(context.Background(), id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	record, _ := st.GetDeadLetter(context.Background(), id)
	if record.Status != model.DeadLetterArchived {
		t.Fatalf("status = %s", record.Status)
	}

	purged, err := s.Purge(context.Background(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d", purged)
	}
}
