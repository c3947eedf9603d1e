package outbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/adapter/adaptertest"
	"github.com/beeper/bridgekit/pkg/model"
)

type stubSource struct {
	mu       sync.Mutex
	adapters map[string]adapter.Adapter
}

func (s *stubSource) Adapter(bridgeID string) (adapter.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ad, ok := s.adapters[bridgeID]
	if !ok {
		return nil, fmt.Errorf("bridge %s: %w", bridgeID, model.ErrNotFound)
	}
	return ad, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	records []*model.DeadLetterRecord
}

func (c *captureRecorder) capture(ctx context.Context, req *model.OutboundRequest, oerr *Error, diags model.DeadLetterDiagnostics) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("dl_%d", len(c.records)+1)
	c.records = append(c.records, &model.DeadLetterRecord{
		ID:          id,
		Request:     *req.Clone(),
		Error:       oerr.Reason,
		Diagnostics: diags,
		Status:      model.DeadLetterCaptured,
	})
	return id, nil
}

func (c *captureRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func timeoutErr() error {
	return adapter.NewError(adapter.ReasonNetworkTimeout, "dial timeout")
}

func newTestGateway(t *testing.T, cfg Config, fake *adaptertest.FakeAdapter, capture *captureRecorder) *Gateway {
	t.Helper()
	deps := Deps{
		Adapters: &stubSource{adapters: map[string]adapter.Adapter{"bridge_tg": fake}},
		Log:      zerolog.Nop(),
	}
	if capture != nil {
		deps.Capture = capture.capture
	}
	g := New(cfg, deps)
	g.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	})
	return g
}

func sendReq(text string) *model.OutboundRequest {
	return &model.OutboundRequest{
		Operation:      model.OpSend,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Text:           text,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	fake := adaptertest.New()
	fake.Script(
		adaptertest.SendOutcome{Err: timeoutErr()},
		adaptertest.SendOutcome{Err: timeoutErr()},
		adaptertest.SendOutcome{MessageID: "X"},
	)
	capture := &captureRecorder{}
	g := newTestGateway(t, Config{Partitions: 1, BaseBackoff: 10 * time.Millisecond}, fake, capture)

	started := time.Now()
	result := g.Submit(context.Background(), sendReq("hello"))
	elapsed := time.Since(started)

	if !result.OK || result.MessageID != "X" {
		t.Fatalf("result = %+v", result)
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
	// Two backoffs: 10ms + 20ms.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("finished after %v, want >= 30ms", elapsed)
	}
	if capture.count() != 0 {
		t.Fatalf("success captured a dead letter")
	}
}

func TestRetryExhaustionCapturesDeadLetter(t *testing.T) {
	fake := adaptertest.New()
	fake.Script(
		adaptertest.SendOutcome{Err: timeoutErr()},
		adaptertest.SendOutcome{Err: timeoutErr()},
		adaptertest.SendOutcome{Err: timeoutErr()},
	)
	capture := &captureRecorder{}
	g := newTestGateway(t, Config{Partitions: 1, MaxAttempts: 2, BaseBackoff: time.Millisecond}, fake, capture)

	result := g.Submit(context.Background(), sendReq("hello"))
	if result.OK {
		t.Fatalf("expected failure, got %+v", result)
	}
	oerr := result.Err
	if oerr.Category != CategoryRetryable || oerr.Disposition != "terminal" {
		t.Fatalf("classification = %s/%s", oerr.Category, oerr.Disposition)
	}
	if oerr.Attempt != 2 || oerr.MaxAttempts != 2 {
		t.Fatalf("attempts = %d/%d", oerr.Attempt, oerr.MaxAttempts)
	}
	if oerr.DeadLetterID == "" {
		t.Fatalf("no dead letter id attached")
	}
	if capture.count() != 1 {
		t.Fatalf("captured %d dead letters, want 1", capture.count())
	}
	if fake.CallCount("send") != 2 {
		t.Fatalf("adapter called %d times, want 2", fake.CallCount("send"))
	}
}

func TestSingleAttemptRetryableIsTerminal(t *testing.T) {
	fake := adaptertest.New()
	fake.Script(adaptertest.SendOutcome{Err: timeoutErr()})
	capture := &captureRecorder{}
	g := newTestGateway(t, Config{Partitions: 1, MaxAttempts: 1}, fake, capture)

	result := g.Submit(context.Background(), sendReq("x"))
	if result.OK || result.Err.Attempt != 1 {
		t.Fatalf("result = %+v", result)
	}
	if fake.CallCount("send") != 1 {
		t.Fatalf("adapter called %d times, want 1", fake.CallCount("send"))
	}
}

func TestTerminalErrorDoesNotRetry(t *testing.T) {
	fake := adaptertest.New()
	fake.Script(adaptertest.SendOutcome{Err: adapter.NewError(adapter.ReasonAuth, "bad token")})
	capture := &captureRecorder{}
	g := newTestGateway(t, Config{Partitions: 1}, fake, capture)

	result := g.Submit(context.Background(), sendReq("x"))
	if result.OK {
		t.Fatalf("expected failure")
	}
	if result.Err.Category != CategoryTerminal || result.Err.Reason != "auth" {
		t.Fatalf("err = %+v", result.Err)
	}
	if fake.CallCount("send") != 1 {
		t.Fatalf("terminal error retried: %d calls", fake.CallCount("send"))
	}
}

func TestIdempotencyCacheShortCircuits(t *testing.T) {
	fake := adaptertest.New()
	g := newTestGateway(t, Config{Partitions: 1}, fake, nil)

	req := sendReq("once")
	req.IdempotencyKey = "idem_1"
	first := g.Submit(context.Background(), req)
	if !first.OK || first.Idempotent {
		t.Fatalf("first = %+v", first)
	}

	again := sendReq("once")
	again.IdempotencyKey = "idem_1"
	second := g.Submit(context.Background(), again)
	if !second.OK || !second.Idempotent {
		t.Fatalf("second = %+v", second)
	}
	if second.MessageID != first.MessageID {
		t.Fatalf("cached message id %q != %q", second.MessageID, first.MessageID)
	}
	if fake.CallCount("send") != 1 {
		t.Fatalf("provider called %d times, want 1", fake.CallCount("send"))
	}
}

// blockingAdapter gates SendMessage so tests can hold a job in flight.
type blockingAdapter struct {
	*adaptertest.FakeAdapter
	entered chan string
	release chan struct{}
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{
		FakeAdapter: adaptertest.New(),
		entered:     make(chan string, 16),
		release:     make(chan struct{}),
	}
}

func (b *blockingAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (*adapter.SendResult, error) {
	b.entered <- text
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.FakeAdapter.SendMessage(ctx, externalRoomID, text, opts)
}

func TestQueueSaturation(t *testing.T) {
	blocking := newBlockingAdapter()
	capture := &captureRecorder{}
	g := New(Config{Partitions: 1, QueueSize: 2, DegradedAction: DegradedAllow}, Deps{
		Adapters: &stubSource{adapters: map[string]adapter.Adapter{"bridge_tg": blocking}},
		Capture:  capture.capture,
		Log:      zerolog.Nop(),
	})
	g.Start()
	defer func() {
		close(blocking.release)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	}()

	results := make(chan *Result, 3)
	submit := func(text string) {
		go func() {
			results <- g.Submit(context.Background(), sendReq(text))
		}()
	}

	// One in flight, two queued.
	submit("job1")
	select {
	case <-blocking.entered:
	case <-time.After(time.Second):
		t.Fatalf("job1 never started")
	}
	submit("job2")
	waitFor(t, func() bool { return g.QueueDepth(0) == 1 })
	submit("job3")
	waitFor(t, func() bool { return g.QueueDepth(0) == 2 })

	// Fourth submission bounces with queue_full and displaces nothing.
	fourth := g.Submit(context.Background(), sendReq("job4"))
	if fourth.OK || fourth.Err.Reason != "queue_full" || fourth.Err.Disposition != "terminal" {
		t.Fatalf("fourth = %+v", fourth)
	}
	if g.QueueDepth(0) != 2 {
		t.Fatalf("queue depth changed to %d", g.QueueDepth(0))
	}

	// Finishing the in-flight job frees capacity for a new submission.
	blocking.release <- struct{}{}
	waitFor(t, func() bool { return g.QueueDepth(0) < 2 })
	submit("job5")
	for i := 0; i < 2; i++ {
		select {
		case <-blocking.entered:
			blocking.release <- struct{}{}
		case <-time.After(time.Second):
			t.Fatalf("queued jobs never started")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never met")
}

func TestLoadShedDropsLowPriority(t *testing.T) {
	blocking := newBlockingAdapter()
	capture := &captureRecorder{}
	g := New(Config{Partitions: 1, QueueSize: 2, DegradedAction: DegradedAllow}, Deps{
		Adapters: &stubSource{adapters: map[string]adapter.Adapter{"bridge_tg": blocking}},
		Capture:  capture.capture,
		Log:      zerolog.Nop(),
	})
	g.Start()
	defer func() {
		close(blocking.release)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	}()

	go g.Submit(context.Background(), sendReq("hold"))
	<-blocking.entered
	go g.Submit(context.Background(), sendReq("q1"))
	waitFor(t, func() bool { return g.QueueDepth(0) == 1 })
	go g.Submit(context.Background(), sendReq("q2"))
	waitFor(t, func() bool { return g.QueueDepth(0) == 2 })

	low := sendReq("low")
	low.Priority = model.PriorityLow
	result := g.Submit(context.Background(), low)
	if result.OK || result.Err.Reason != "load_shed" {
		t.Fatalf("low priority at shed level = %+v", result)
	}
}

func TestMediaFallback(t *testing.T) {
	fake := adaptertest.New() // no video capability
	g := newTestGateway(t, Config{Partitions: 1}, fake, nil)

	req := &model.OutboundRequest{
		Operation:      model.OpSendMedia,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Media: map[string]any{
			"kind": "video", "url": "https://example/v.mp4",
			"fallback_text": "(image omitted)",
		},
	}
	result := g.Submit(context.Background(), req)
	if !result.OK {
		t.Fatalf("result = %+v", result.Err)
	}
	if !result.Fallback || result.FallbackMode != "text_send" {
		t.Fatalf("fallback = %v/%s", result.Fallback, result.FallbackMode)
	}
	calls := fake.Calls()
	if len(calls) != 1 || calls[0].Op != "send" || calls[0].Text != "(image omitted)" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestMediaRejectedWithoutFallbackIsTerminal(t *testing.T) {
	fake := adaptertest.New()
	capture := &captureRecorder{}
	g := newTestGateway(t, Config{Partitions: 1}, fake, capture)

	req := &model.OutboundRequest{
		Operation:      model.OpSendMedia,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Media:          map[string]any{"kind": "video", "url": "https://example/v.mp4"},
	}
	result := g.Submit(context.Background(), req)
	if result.OK || result.Err.Reason != "media_rejected:channel_capability" {
		t.Fatalf("result = %+v", result)
	}
	if fake.CallCount("") != 0 {
		t.Fatalf("rejected media still reached the adapter")
	}
	if capture.count() != 1 {
		t.Fatalf("captured %d, want 1", capture.count())
	}
}

func TestValidation(t *testing.T) {
	fake := adaptertest.New()
	g := newTestGateway(t, Config{Partitions: 1}, fake, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    *model.OutboundRequest
		reason string
	}{
		{
			"unknown operation",
			&model.OutboundRequest{Operation: "broadcast", Channel: "fake", BridgeID: "b", ExternalRoomID: "r", Text: "x"},
			"unsupported_operation",
		},
		{
			"missing room",
			&model.OutboundRequest{Operation: model.OpSend, Channel: "fake", BridgeID: "b", Text: "x"},
			"invalid_request:external_room_id",
		},
		{
			"edit without external id",
			&model.OutboundRequest{Operation: model.OpEdit, Channel: "fake", BridgeID: "b", ExternalRoomID: "r", Text: "x"},
			"missing_external_message_id",
		},
		{
			"bad priority",
			&model.OutboundRequest{Operation: model.OpSend, Channel: "fake", BridgeID: "b", ExternalRoomID: "r", Text: "x", Priority: "urgent"},
			"invalid_request:priority",
		},
		{
			"send_media without payload",
			&model.OutboundRequest{Operation: model.OpSendMedia, Channel: "fake", BridgeID: "b", ExternalRoomID: "r"},
			"invalid_request:media",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := g.Submit(ctx, tc.req)
			if result.OK || result.Err == nil {
				t.Fatalf("expected validation failure")
			}
			if result.Err.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", result.Err.Reason, tc.reason)
			}
		})
	}
	if fake.CallCount("") != 0 {
		t.Fatalf("invalid requests reached the adapter")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 10 * time.Millisecond
	max := 30 * time.Second
	want := []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond,
	}
	for i, expected := range want {
		if got := backoffDelay(base, max, i+1); got != expected {
			t.Fatalf("attempt %d: %v, want %v", i+1, got, expected)
		}
	}
	if got := backoffDelay(time.Second, 4*time.Second, 10); got != 4*time.Second {
		t.Fatalf("capped delay = %v", got)
	}
}

func TestPartitionPinning(t *testing.T) {
	g := New(Config{Partitions: 8}, Deps{
		Adapters: &stubSource{adapters: map[string]adapter.Adapter{}},
		Log:      zerolog.Nop(),
	})
	key := model.RoutingKeyFor("bridge_tg", "chat_42")
	first := g.PartitionFor(key)
	for i := 0; i < 10; i++ {
		if got := g.PartitionFor(key); got != first {
			t.Fatalf("routing key moved partitions: %d != %d", got, first)
		}
	}
}

func TestPartitionFIFO(t *testing.T) {
	blocking := newBlockingAdapter()
	g := New(Config{Partitions: 1, QueueSize: 16, DegradedAction: DegradedAllow}, Deps{
		Adapters: &stubSource{adapters: map[string]adapter.Adapter{"bridge_tg": blocking}},
		Log:      zerolog.Nop(),
	})
	g.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("m%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Submit(context.Background(), sendReq(text))
		}()
		if i == 0 {
			// Hold the first job in flight so the rest queue up.
			select {
			case <-blocking.entered:
			case <-time.After(time.Second):
				t.Fatalf("first job never started")
			}
		} else {
			waitFor(t, func() bool { return g.QueueDepth(0) == i })
		}
	}

	order := []string{"m0"}
	blocking.release <- struct{}{}
	for len(order) < 5 {
		select {
		case text := <-blocking.entered:
			order = append(order, text)
			blocking.release <- struct{}{}
		case <-time.After(time.Second):
			t.Fatalf("stalled after %v", order)
		}
	}
	wg.Wait()
	for i, text := range order {
		if text != fmt.Sprintf("m%d", i) {
			t.Fatalf("job start order = %v", order)
		}
	}
}
