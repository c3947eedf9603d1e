package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/beeper/bridgekit/pkg/adapter"
)

func TestRunnerDenyShortCircuits(t *testing.T) {
	calls := []string{}
	gaters := []Gater{
		GaterFunc{HookName: "first", Func: func(ctx context.Context, mctx *MsgContext) Decision {
			calls = append(calls, "first")
			return Denied("spam")
		}},
		GaterFunc{HookName: "second", Func: func(ctx context.Context, mctx *MsgContext) Decision {
			calls = append(calls, "second")
			return Allowed()
		}},
	}
	r := NewRunner(RunnerConfig{})
	result := r.RunGaters(context.Background(), gaters, &MsgContext{Body: "x"})
	if !result.Denied || result.DenyReason != "spam" || result.DenyModule != "first" {
		t.Fatalf("result = %+v", result)
	}
	if len(calls) != 1 {
		t.Fatalf("deny did not short-circuit: %v", calls)
	}
}

func TestRunnerModifyAndFlag(t *testing.T) {
	gaters := []Gater{
		GaterFunc{HookName: "rewrite", Func: func(ctx context.Context, mctx *MsgContext) Decision {
			return Modified(strings.ToUpper(mctx.Body))
		}},
		GaterFunc{HookName: "tag", Func: func(ctx context.Context, mctx *MsgContext) Decision {
			return Flagged("suspect")
		}},
	}
	mctx := &MsgContext{Body: "hello"}
	result := NewRunner(RunnerConfig{}).RunGaters(context.Background(), gaters, mctx)
	if result.Denied {
		t.Fatalf("unexpected deny: %+v", result)
	}
	if mctx.Body != "HELLO" {
		t.Fatalf("body = %q", mctx.Body)
	}
	if len(mctx.Flags) != 1 || mctx.Flags[0] != "suspect" {
		t.Fatalf("flags = %v", mctx.Flags)
	}
}

func TestRunnerTimeoutPolicies(t *testing.T) {
	slow := GaterFunc{HookName: "slow", Func: func(ctx context.Context, mctx *MsgContext) Decision {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return Allowed()
	}}

	deny := NewRunner(RunnerConfig{Timeout: 10 * time.Millisecond, OnTimeout: TimeoutDeny})
	result := deny.RunGaters(context.Background(), []Gater{slow}, &MsgContext{})
	if !result.Denied || result.DenyReason != "hook_timeout" {
		t.Fatalf("deny-on-timeout result = %+v", result)
	}

	flag := NewRunner(RunnerConfig{Timeout: 10 * time.Millisecond, OnTimeout: TimeoutAllowWithFlag})
	mctx := &MsgContext{}
	result = flag.RunGaters(context.Background(), []Gater{slow}, mctx)
	if result.Denied {
		t.Fatalf("allow-with-flag denied: %+v", result)
	}
	if len(mctx.Flags) != 1 || mctx.Flags[0] != "slow:timeout" {
		t.Fatalf("flags = %v", mctx.Flags)
	}
}

func TestBasicSecuritySanitize(t *testing.T) {
	s := &BasicSecurity{}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"control chars stripped", "a\x00b\x07c", "abc"},
		{"newline kept", "a\nb\tc", "a\nb\tc"},
		{"bidi stripped", "a‮b", "ab"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.SanitizeOutbound(context.Background(), tc.in, nil)
			if err != nil {
				t.Fatalf("sanitize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := s.SanitizeOutbound(context.Background(), string([]byte{0xff, 0xfe}), nil); err != ErrSanitizeFailed {
		t.Fatalf("invalid utf8: want ErrSanitizeFailed, got %v", err)
	}

	small := &BasicSecurity{MaxBytes: 4}
	got, err := small.SanitizeOutbound(context.Background(), "héllo", nil)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if len(got) > 4 {
		t.Fatalf("truncated to %d bytes: %q", len(got), got)
	}
}

func TestBasicMediaPolicy(t *testing.T) {
	caps := adapter.Caps(adapter.CapImage, adapter.CapFile)
	p := &BasicMediaPolicy{MaxBytes: 1024}

	ok := p.PrepareOutbound(context.Background(), map[string]any{
		"kind": "image", "url": "https://example/img.png", "size": 512,
	}, caps, nil)
	if ok.Verdict != MediaOK {
		t.Fatalf("ok verdict = %s (%s)", ok.Verdict, ok.Reason)
	}

	rejected := p.PrepareOutbound(context.Background(), map[string]any{
		"kind": "video", "url": "https://example/v.mp4",
	}, caps, nil)
	if rejected.Verdict != MediaRejected || rejected.Reason != "channel_capability" {
		t.Fatalf("rejected = %+v", rejected)
	}

	fallback := p.PrepareOutbound(context.Background(), map[string]any{
		"kind": "video", "url": "https://example/v.mp4", "fallback_text": "(video omitted)",
	}, caps, nil)
	if fallback.Verdict != MediaFallbackText || fallback.FallbackText != "(video omitted)" {
		t.Fatalf("fallback = %+v", fallback)
	}

	tooBig := p.PrepareOutbound(context.Background(), map[string]any{
		"kind": "image", "url": "https://example/img.png", "size": 4096,
	}, caps, nil)
	if tooBig.Verdict != MediaRejected || !strings.HasPrefix(tooBig.Reason, "size_exceeded") {
		t.Fatalf("too big = %+v", tooBig)
	}

	stripped := p.PrepareOutbound(context.Background(), map[string]any{
		"kind": "image", "url": "https://example/img.png", "fallback_text": "(image omitted)",
	}, caps, nil)
	if stripped.Verdict != MediaOK {
		t.Fatalf("stripped = %+v", stripped)
	}
	if _, present := stripped.Payload["fallback_text"]; present {
		t.Fatalf("fallback_text should be stripped from the adapter payload")
	}
}
